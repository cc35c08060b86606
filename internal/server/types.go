package server

import (
	"time"

	"deepresearch/internal/session"
)

// startRequest is the POST /api/v1/research body.
type startRequest struct {
	Query          string `json:"query"`
	Language       string `json:"language"`
	Depth          string `json:"depth"`
	MaxResearchers int    `json:"max_researchers"`
}

// startResponse acknowledges an accepted research session.
type startResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Language  string `json:"language"`
}

// cancelResponse reports the stage observed when the cancel landed.
type cancelResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// reportResponse is the completed-session report view.
type reportResponse struct {
	SessionID   string     `json:"session_id"`
	Question    string     `json:"research_question"`
	Language    string     `json:"language"`
	Report      string     `json:"report"`
	Sources     [][]string `json:"sources"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// sessionSummary is the list-view projection of a session.
type sessionSummary struct {
	SessionID string        `json:"session_id"`
	Question  string        `json:"research_question"`
	Language  string        `json:"language"`
	Depth     session.Depth `json:"depth"`
	Stage     session.Stage `json:"stage"`
	Progress  int           `json:"progress"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// listResponse pages session summaries newest-first.
type listResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// healthResponse reports backend reachability.
type healthResponse struct {
	Status          string `json:"status"`
	LLMAvailable    bool   `json:"llm_available"`
	SearchAvailable bool   `json:"search_available"`
}

func summarize(s *session.Session) sessionSummary {
	return sessionSummary{
		SessionID: s.ID,
		Question:  s.Question,
		Language:  s.Language,
		Depth:     s.Depth,
		Stage:     s.Stage,
		Progress:  s.Progress,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func reportFrom(s *session.Session) reportResponse {
	sources := make([][]string, len(s.Research.Summaries))
	for i, sum := range s.Research.Summaries {
		sources[i] = sum.Sources
	}
	return reportResponse{
		SessionID:   s.ID,
		Question:    s.Question,
		Language:    s.Language,
		Report:      s.Research.FinalReport,
		Sources:     sources,
		GeneratedAt: s.UpdatedAt,
	}
}
