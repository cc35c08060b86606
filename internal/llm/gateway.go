package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/token"
)

// probeTimeout bounds each Available check.
const probeTimeout = 2 * time.Second

// Gateway fans a generate call across the configured providers. The first
// provider in a stage's chain is tried first; on failure the remaining
// endpoints are attempted in order, and each failed attempt is recorded as a
// recoverable condition.
type Gateway struct {
	clients map[string]Client
	chains  map[Stage][]string
	timeout time.Duration
	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewGateway builds provider clients from cfg. Endpoint names were validated
// at config load.
func NewGateway(cfg config.LLMConfig, m *metrics.Metrics, logger logging.Logger) (*Gateway, error) {
	logger = logging.OrNop(logger)

	clients := make(map[string]Client, len(cfg.Endpoints))
	for name, url := range cfg.Endpoints {
		switch name {
		case config.ProviderLocal:
			clients[name] = NewOllamaClient(cfg.Model, url, cfg.RequestTimeout(), logger)
		case config.ProviderOpenAICompatible:
			clients[name] = NewOpenAIClient(cfg.Model, url, cfg.APIKey, cfg.RequestTimeout(), logger)
		default:
			return nil, fmt.Errorf("no client for endpoint %q", name)
		}
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no llm endpoints configured")
	}

	g := &Gateway{
		clients: clients,
		chains:  make(map[Stage][]string, 4),
		timeout: cfg.RequestTimeout(),
		logger:  logging.WithComponent(logger, "llm-gateway"),
		metrics: m,
	}
	for _, stage := range []Stage{StageSummarization, StageResearch, StageCompression, StageFinalReport} {
		g.chains[stage] = g.chainFor(cfg, stage)
	}
	return g, nil
}

// chainFor resolves the provider order for a stage: the stage override (or
// the global provider) first, every other configured endpoint after it.
func (g *Gateway) chainFor(cfg config.LLMConfig, stage Stage) []string {
	primary := cfg.Provider
	if primary == config.ProviderHybrid {
		primary = config.ProviderLocal
		if _, ok := g.clients[primary]; !ok {
			primary = config.ProviderOpenAICompatible
		}
	}
	if override, ok := cfg.PerStage[string(stage)]; ok {
		primary = override
	}

	rest := make([]string, 0, len(g.clients))
	for name := range g.clients {
		if name != primary {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append([]string{primary}, rest...)
}

// Providers returns the configured endpoint names, sorted.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.clients))
	for name := range g.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate produces the completion text for a stage-typed prompt.
func (g *Gateway) Generate(ctx context.Context, stage Stage, prompt, language string) (string, error) {
	resp, err := g.run(ctx, stage, prompt, language, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Stream behaves like Generate but forwards content chunks to onDelta as they
// arrive. Fallback stops once any delta has reached the caller.
func (g *Gateway) Stream(ctx context.Context, stage Stage, prompt, language string, onDelta func(string)) (string, error) {
	resp, err := g.run(ctx, stage, prompt, language, onDelta)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (g *Gateway) run(ctx context.Context, stage Stage, prompt, language string, onDelta func(string)) (*Response, error) {
	if !stage.Valid() {
		return nil, errors.Newf(errors.KindInvalidInput, "unknown llm stage %q", stage)
	}

	req := Request{
		Prompt:      prompt,
		Temperature: stage.Temperature(),
		TopP:        stage.TopP(),
	}

	attempts, timeouts := 0, 0
	var lastErr error

	for i, name := range g.chains[stage] {
		client := g.clients[name]

		attempt := req
		emitted := false
		if onDelta != nil {
			attempt.Stream = true
			attempt.OnDelta = func(delta string) {
				emitted = true
				onDelta(delta)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		started := time.Now()
		resp, err := client.Generate(attemptCtx, attempt)
		cancel()
		attempts++

		if err == nil {
			g.metrics.LLMRequest(name, string(stage), "ok", time.Since(started))
			if i > 0 {
				g.metrics.LLMFallback()
			}
			g.logger.Debug("generate ok: provider=%s stage=%s language=%s prompt_tokens~%d output_tokens=%d",
				name, stage, language, token.Estimate(prompt), resp.OutputTokens)
			return resp, nil
		}

		// The caller going away is not a provider failure.
		if ctx.Err() != nil {
			g.metrics.LLMRequest(name, string(stage), "cancelled", 0)
			return nil, errors.FromContext(ctx.Err()).AtStage(string(stage))
		}

		lastErr = err
		outcome := "error"
		if stderrors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			timeouts++
		}
		g.metrics.LLMRequest(name, string(stage), outcome, 0)
		g.logger.Warn("provider %s failed for stage %s: %v", name, stage, err)

		if emitted {
			// Chunks already reached the caller; a fallback would replay them.
			break
		}
	}

	kind := errors.KindLLMUnavailable
	if attempts > 0 && timeouts == attempts {
		kind = errors.KindTimeout
	}
	return nil, errors.Wrap(kind, lastErr, "all configured providers failed").AtStage(string(stage))
}

// Available reports whether any configured provider answers its health probe.
func (g *Gateway) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	for _, name := range g.Providers() {
		err := g.clients[name].Available(probeCtx)
		if err == nil {
			return true
		}
		g.logger.Debug("provider %s probe failed: %v", name, err)
	}
	return false
}
