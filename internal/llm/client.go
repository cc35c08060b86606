// Package llm routes generate calls to configured model backends, applying
// per-stage sampling profiles and falling back across providers. Prompts and
// completions are never retained or logged.
package llm

import "context"

// Stage identifies the generative stage of a request.
type Stage string

const (
	StageSummarization Stage = "summarization"
	StageResearch      Stage = "research"
	StageCompression   Stage = "compression"
	StageFinalReport   Stage = "final_report"
)

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageSummarization, StageResearch, StageCompression, StageFinalReport:
		return true
	}
	return false
}

// Temperature returns the sampling temperature pinned to the stage.
func (s Stage) Temperature() float64 {
	switch s {
	case StageSummarization:
		return 0.1
	case StageCompression:
		return 0.2
	case StageFinalReport:
		return 0.4
	default:
		return 0.3
	}
}

// TopP returns the nucleus sampling cutoff pinned to the stage.
func (s Stage) TopP() float64 {
	switch s {
	case StageSummarization, StageCompression:
		return 0.9
	default:
		return 0.95
	}
}

// Request is a single completion call against one backend.
type Request struct {
	Prompt      string
	Temperature float64
	TopP        float64
	Stream      bool
	// OnDelta receives content chunks in arrival order when Stream is set.
	OnDelta func(delta string)
}

// Response carries the completed generation and its token accounting.
type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Client is one model backend endpoint.
type Client interface {
	// Name returns the endpoint name the client serves.
	Name() string
	// Generate runs one completion, honouring ctx cancellation.
	Generate(ctx context.Context, req Request) (*Response, error)
	// Available probes the backend and reports whether the configured model
	// can serve requests.
	Available(ctx context.Context) error
}
