package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deepresearch/internal/logging"
)

// ollamaClient speaks the Ollama generate API, streaming NDJSON chunks.
type ollamaClient struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOllamaClient returns a client for a local Ollama endpoint.
func NewOllamaClient(model, baseURL string, timeout time.Duration, logger logging.Logger) Client {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ollamaClient{
		model:      model,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent(logging.OrNop(logger), "ollama"),
	}
}

func (c *ollamaClient) Name() string { return "local" }

func (c *ollamaClient) Generate(ctx context.Context, req Request) (*Response, error) {
	options := make(map[string]any)
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}

	payload, err := json.Marshal(ollamaRequest{
		Model:   c.model,
		Prompt:  req.Prompt,
		Stream:  req.Stream,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("POST %s/api/generate model=%s stream=%v", c.baseURL, c.model, req.Stream)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if req.Stream {
		return c.readStream(resp.Body, req.OnDelta)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	return &Response{
		Text:         out.Response,
		Model:        out.Model,
		PromptTokens: out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

func (c *ollamaClient) readStream(body io.Reader, onDelta func(string)) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var builder strings.Builder
	final := &Response{}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, fmt.Errorf("decode ollama stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Response != "" {
			builder.WriteString(chunk.Response)
			if onDelta != nil {
				onDelta(chunk.Response)
			}
		}
		if chunk.Done {
			final.Model = chunk.Model
			final.PromptTokens = chunk.PromptEvalCount
			final.OutputTokens = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ollama stream: %w", err)
	}

	final.Text = builder.String()
	return final, nil
}

// Available checks the tags endpoint and requires the configured model to be
// pulled.
func (c *ollamaClient) Available(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama probe status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode ollama tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not pulled", c.model)
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}
