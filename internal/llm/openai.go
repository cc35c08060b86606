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

// openaiClient speaks the OpenAI-compatible chat completions API, which also
// covers vLLM and similar local inference servers.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient returns a client for an OpenAI-compatible endpoint. An
// empty apiKey is sent as "dummy", which local inference servers accept.
func NewOpenAIClient(model, baseURL, apiKey string, timeout time.Duration, logger logging.Logger) Client {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "http://localhost:8000/v1"
	}
	if apiKey == "" {
		apiKey = "dummy"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openaiClient{
		model:      model,
		apiKey:     apiKey,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent(logging.OrNop(logger), "openai"),
	}
}

func (c *openaiClient) Name() string { return "openai-compatible" }

func (c *openaiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"messages":    []map[string]string{{"role": "user", "content": req.Prompt}},
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"stream":      req.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("POST %s/chat/completions model=%s stream=%v", c.baseURL, c.model, req.Stream)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completions request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat completions status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	if req.Stream {
		return c.readStream(resp.Body, req.OnDelta)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil && out.Error.Message != "" {
		return nil, fmt.Errorf("chat completions error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &Response{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		PromptTokens: out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func (c *openaiClient) readStream(body io.Reader, onDelta func(string)) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	var builder strings.Builder
	final := &Response{}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream chunk: %v", err)
			continue
		}
		if chunk.Model != "" {
			final.Model = chunk.Model
		}
		if chunk.Usage != nil {
			final.PromptTokens = chunk.Usage.PromptTokens
			final.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			builder.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read response stream: %w", err)
	}

	final.Text = builder.String()
	return final, nil
}

// Available lists the endpoint's models and requires the configured model id
// to appear.
func (c *openaiClient) Available(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("models probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models probe status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode models response: %w", err)
	}
	for _, m := range out.Data {
		if strings.Contains(m.ID, c.model) {
			return nil
		}
	}
	return fmt.Errorf("model %q is not served", c.model)
}
