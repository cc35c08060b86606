package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"deepresearch/internal/logging"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// answerURL is the pseudo-source attached to the provider's synthesized
// answer when one is returned alongside the ranked results.
const answerURL = "tavily://ai-answer"

// tavilyClient calls the Tavily search API with the key in the request body.
type tavilyClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     logging.Logger
}

// NewTavilyProvider returns the Tavily-backed Provider. An empty apiKey
// yields a provider that reports itself unconfigured.
func NewTavilyProvider(apiKey string, logger logging.Logger) Provider {
	return newTavilyClient(apiKey, tavilyEndpoint, nil, logger)
}

func newTavilyClient(apiKey, endpoint string, httpClient *http.Client, logger logging.Logger) *tavilyClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &tavilyClient{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logging.WithComponent(logging.OrNop(logger), "tavily"),
	}
}

func (t *tavilyClient) Configured() bool {
	return t.apiKey != ""
}

func (t *tavilyClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 10 {
		maxResults = 10
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":        t.apiKey,
		"query":          query,
		"max_results":    maxResults,
		"search_depth":   "basic",
		"include_answer": true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search status %d: %s", resp.StatusCode, preview(body))
	}

	var out struct {
		Query   string `json:"query"`
		Answer  string `json:"answer"`
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(out.Results)+1)
	// The synthesized answer, when present, leads the result list.
	if out.Answer != "" {
		results = append(results, Result{
			Title:   "AI Answer",
			URL:     answerURL,
			Snippet: out.Answer,
			Score:   1.0,
		})
	}
	for _, r := range out.Results {
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	t.logger.Debug("search ok: %d results for %d requested", len(results), maxResults)
	return results, nil
}

func preview(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
