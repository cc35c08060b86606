// Package session defines the research session data model and its durable
// store. The store treats ResearchState as an opaque versioned document;
// field semantics belong to the workflow engine.
package session

import (
	"strings"
	"time"
	"unicode/utf8"

	"deepresearch/internal/errors"
	"deepresearch/internal/lang"
)

// Depth selects how many supervisor iterations a session may spend.
type Depth string

const (
	DepthShallow Depth = "shallow"
	DepthMedium  Depth = "medium"
	DepthDeep    Depth = "deep"
)

// Valid reports whether d names a known depth.
func (d Depth) Valid() bool {
	switch d {
	case DepthShallow, DepthMedium, DepthDeep:
		return true
	}
	return false
}

// Stage is one node of the workflow state machine.
type Stage string

const (
	StageIntake    Stage = "intake"
	StageClarify   Stage = "clarify"
	StageBrief     Stage = "brief"
	StageSupervise Stage = "supervise"
	StageResearch  Stage = "research"
	StageCompress  Stage = "compress"
	StageFinalize  Stage = "finalize"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "error"
)

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageIntake, StageClarify, StageBrief, StageSupervise, StageResearch,
		StageCompress, StageFinalize, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a session. Cancelled sessions terminate in
// StageFailed with kind CANCELLED.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Subtask is an atomic research question proposed by the supervisor and
// assigned to exactly one researcher slot.
type Subtask struct {
	Question    string `json:"question"`
	Description string `json:"description,omitempty"`
}

// Summary is the artefact one researcher slot produces for one subtask.
type Summary struct {
	SubtaskRef string   `json:"subtask_ref"`
	Text       string   `json:"text"`
	Sources    []string `json:"sources,omitempty"`
}

// StageError records a failure. Recoverable errors accumulate in
// ResearchState.Errors; the fatal one lands on Session.LastError.
type StageError struct {
	Stage       Stage     `json:"stage"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	At          time.Time `json:"at"`
}

// ResearchState is the single document the workflow engine mutates.
type ResearchState struct {
	ClarifiedGoal string       `json:"clarified_goal,omitempty"`
	Brief         string       `json:"brief,omitempty"`
	Subtasks      []Subtask    `json:"subtasks,omitempty"`
	Summaries     []Summary    `json:"summaries,omitempty"`
	Iteration     int          `json:"iteration"`
	FinalReport   string       `json:"final_report,omitempty"`
	Errors        []StageError `json:"errors,omitempty"`
}

// Session is one end-to-end research run. Identity and the seed fields are
// immutable after Create; the rest evolves with the workflow.
type Session struct {
	ID             string `json:"session_id"`
	Question       string `json:"research_question"`
	Language       string `json:"language"`
	Depth          Depth  `json:"depth"`
	MaxResearchers int    `json:"max_researchers"`
	CreatedAt      time.Time `json:"created_at"`

	Stage     Stage         `json:"stage"`
	Progress  int           `json:"progress"`
	LastError *StageError   `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Research  ResearchState `json:"research"`
	Version   int64         `json:"version"`
}

// Clone returns a deep copy so callers can mutate freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.LastError != nil {
		e := *s.LastError
		cp.LastError = &e
	}
	cp.Research.Subtasks = append([]Subtask(nil), s.Research.Subtasks...)
	cp.Research.Errors = append([]StageError(nil), s.Research.Errors...)
	cp.Research.Summaries = make([]Summary, len(s.Research.Summaries))
	for i, sum := range s.Research.Summaries {
		cp.Research.Summaries[i] = sum
		cp.Research.Summaries[i].Sources = append([]string(nil), sum.Sources...)
	}
	return &cp
}

// Seed carries the immutable request parameters a session is created from.
type Seed struct {
	Question       string `json:"question"`
	Language       string `json:"language,omitempty"`
	Depth          Depth  `json:"depth,omitempty"`
	MaxResearchers int    `json:"max_researchers,omitempty"`
}

const (
	maxQuestionLen     = 1000
	defaultResearchers = 3
	// MaxResearchers caps the researcher concurrency knob.
	MaxResearchers = 5
)

// Normalize validates the seed and fills defaults: depth deep, three
// researchers, language detected from the question when unspecified.
func (s Seed) Normalize() (Seed, error) {
	s.Question = strings.TrimSpace(s.Question)
	if s.Question == "" {
		return s, errors.New(errors.KindInvalidInput, "query must not be empty")
	}
	if n := utf8.RuneCountInString(s.Question); n > maxQuestionLen {
		return s, errors.Newf(errors.KindInvalidInput, "query length %d exceeds %d characters", n, maxQuestionLen)
	}

	code, ok := lang.Normalize(s.Language)
	if !ok {
		return s, errors.Newf(errors.KindInvalidInput, "unsupported language %q", s.Language)
	}
	if code == "" {
		code = lang.Detect(s.Question)
	}
	s.Language = code

	if s.Depth == "" {
		s.Depth = DepthDeep
	}
	if !s.Depth.Valid() {
		return s, errors.Newf(errors.KindInvalidInput, "unknown depth %q", s.Depth)
	}

	if s.MaxResearchers == 0 {
		s.MaxResearchers = defaultResearchers
	}
	if s.MaxResearchers < 1 || s.MaxResearchers > MaxResearchers {
		return s, errors.Newf(errors.KindInvalidInput, "max_researchers %d out of range [1,%d]", s.MaxResearchers, MaxResearchers)
	}
	return s, nil
}

// Filter narrows and pages List results.
type Filter struct {
	Stage  Stage
	Limit  int
	Offset int
}
