package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/errors"
	"deepresearch/internal/llm"
	"deepresearch/internal/prompts"
	"deepresearch/internal/search"
	"deepresearch/internal/session"
)

// promptKind identifies which workflow call produced a prompt by its
// template header, for both languages.
func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "clarifying research goals"),
		strings.Contains(prompt, "명확히 하는 전문가"):
		return "clarify"
	case strings.Contains(prompt, "research planning expert"),
		strings.Contains(prompt, "연구 계획 전문가"):
		return "brief"
	case strings.Contains(prompt, "research supervisor"),
		strings.Contains(prompt, "연구 감독자"):
		return "supervisor"
	case strings.Contains(prompt, "expert researcher tasked"),
		strings.Contains(prompt, "전문 연구원"):
		return "researcher"
	case strings.Contains(prompt, "Consolidate the individual research summaries"),
		strings.Contains(prompt, "하나의 일관된 발견사항"):
		return "compress"
	case strings.Contains(prompt, "Write the final research report"),
		strings.Contains(prompt, "최종 연구 보고서"):
		return "final"
	}
	return "unknown"
}

// fakeLLM routes generation calls to a reply func keyed by prompt kind.
type fakeLLM struct {
	mu      sync.Mutex
	reply   func(kind, prompt string) (string, error)
	prompts []string
}

func (f *fakeLLM) Generate(ctx context.Context, stage llm.Stage, prompt, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.FromContext(err)
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.reply(promptKind(prompt), prompt)
}

func (f *fakeLLM) Stream(ctx context.Context, stage llm.Stage, prompt, language string, onDelta func(string)) (string, error) {
	text, err := f.Generate(ctx, stage, prompt, language)
	if err == nil && onDelta != nil {
		onDelta(text)
	}
	return text, err
}

func (f *fakeLLM) promptOfKind(kind string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prompts {
		if promptKind(p) == kind {
			return p
		}
	}
	return ""
}

// script is the default happy-path reply set: supervisor plans are consumed
// in order and fall back to an empty plan once exhausted.
type script struct {
	mu    sync.Mutex
	plans []string
	next  int

	clarifyText    string
	researcherText string
	finalText      string
	failKind       string // prompt kind that returns an error
	failErr        error
}

func (s *script) reply(kind, prompt string) (string, error) {
	if s.failKind != "" && kind == s.failKind {
		return "", s.failErr
	}
	switch kind {
	case "clarify":
		if s.clarifyText != "" {
			return s.clarifyText, nil
		}
		return prompts.ProceedToResearch, nil
	case "brief":
		return "Cover the history, current state and outlook of the topic.", nil
	case "supervisor":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.next < len(s.plans) {
			plan := s.plans[s.next]
			s.next++
			return plan, nil
		}
		return "[]", nil
	case "researcher":
		if s.researcherText != "" {
			return s.researcherText, nil
		}
		return "The sources agree on the key facts (https://example.com/a).", nil
	case "compress":
		return "Consolidated findings across all research tasks.", nil
	case "final":
		if s.finalText != "" {
			return s.finalText, nil
		}
		return "# Report\n\nEverything worth knowing, with citations [1].", nil
	}
	return "", fmt.Errorf("unrecognised prompt: %.60s", prompt)
}

// fakeSearch returns canned hits. With block set, Search parks until the
// context ends or the channel closes.
type fakeSearch struct {
	degraded bool
	results  []search.Result
	block    chan struct{}

	mu      sync.Mutex
	queries []string
}

func (f *fakeSearch) hasQueries() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries) > 0
}

func (f *fakeSearch) Search(ctx context.Context, query, language string, maxResults int) (search.Response, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-ctx.Done():
			return search.Response{}, errors.FromContext(ctx.Err())
		case <-f.block:
		}
	}
	if f.degraded {
		return search.Response{Degraded: true}, nil
	}
	return search.Response{Results: f.results}, nil
}

var defaultHits = []search.Result{
	{Title: "Primary source", URL: "https://example.com/a", Snippet: "Detailed content about the topic.", Score: 0.9},
	{Title: "Secondary source", URL: "https://example.com/b", Snippet: "More background material.", Score: 0.5},
}

func twoTaskPlan() string {
	return `[
		{"research_question": "What is the history of the topic?", "description": "Trace the origins."},
		{"research_question": "What is the current state?", "description": "Survey recent developments."}
	]`
}

type harness struct {
	engine *Engine
	store  session.Store
	bus    *bus.Bus
	llm    *fakeLLM
	search Searcher
}

func newHarness(t *testing.T, f *fakeLLM, fs Searcher) *harness {
	return newHarnessCfg(t, f, fs, Config{
		Engine:        config.EngineConfig{MaxIterations: 6, SlotTimeoutMS: 5000, ContentTruncation: 500},
		SearchResults: 5,
	})
}

func newHarnessCfg(t *testing.T, f *fakeLLM, fs Searcher, cfg Config) *harness {
	t.Helper()

	store, err := session.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	registry, err := prompts.NewRegistry("")
	require.NoError(t, err)
	b := bus.New(nil, nil)

	eng, err := New(cfg, Deps{Store: store, Bus: b, LLM: f, Search: fs, Prompts: registry})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	return &harness{engine: eng, store: store, bus: b, llm: f, search: fs}
}

// collectUntilClosed drains the subscription until the engine retires the
// topic after its terminal event.
func collectUntilClosed(t *testing.T, sub *bus.Subscription) []bus.Event {
	t.Helper()
	var events []bus.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event; got %d events", len(events))
		}
	}
}

func runToTerminal(t *testing.T, h *harness, seed session.Seed) (*session.Session, []bus.Event) {
	t.Helper()
	sess, err := h.engine.Start(context.Background(), seed)
	require.NoError(t, err)

	sub := h.bus.Subscribe(sess.ID, 256)
	events := collectUntilClosed(t, sub)

	final, err := h.store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	return final, events
}

func terminalEvents(events []bus.Event) []bus.Event {
	var out []bus.Event
	for _, ev := range events {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestSessionRunsToCompletion(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan()}}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, events := runToTerminal(t, h, session.Seed{Question: "How do heat pumps work?"})

	assert.Equal(t, session.StageCompleted, final.Stage)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "en", final.Language)
	assert.Equal(t, 1, final.Research.Iteration)
	assert.Nil(t, final.LastError)
	assert.NotEmpty(t, final.Research.FinalReport)

	require.Len(t, final.Research.Summaries, 2)
	assert.Equal(t, "What is the history of the topic?", final.Research.Summaries[0].SubtaskRef)
	assert.Equal(t, "What is the current state?", final.Research.Summaries[1].SubtaskRef)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, final.Research.Summaries[0].Sources)

	report, err := h.store.LoadReport(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Research.FinalReport, report)

	terms := terminalEvents(events)
	require.Len(t, terms, 1, "exactly one terminal event")
	assert.Equal(t, bus.EventComplete, terms[0].Type)
	assert.Equal(t, 100, terms[0].Progress)
	assert.Equal(t, terms[0], events[len(events)-1], "terminal event is last")
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan(), `[{"research_question": "What comes next?", "description": "Outlook."}]`}}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, events := runToTerminal(t, h, session.Seed{Question: "What will the grid look like in 2040?"})
	require.Equal(t, session.StageCompleted, final.Stage)
	require.Equal(t, 2, final.Research.Iteration)

	last := -1
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress regressed at %s/%s", ev.Type, ev.Stage)
		if ev.Progress > last {
			last = ev.Progress
		}
	}
	assert.Equal(t, 100, last)
}

func TestKoreanQuestionRunsInKorean(t *testing.T) {
	t.Parallel()

	sc := &script{
		plans:          []string{`[{"research_question": "AI 기술의 핵심 동향은 무엇인가?", "description": "최근 발전을 조사."}]`},
		clarifyText:    "AI 기술의 최신 동향을 조사한다.",
		researcherText: "주요 발전 내용 요약 (https://example.com/a).",
		finalText:      "# 보고서\n\nAI 기술의 최신 동향 분석.",
	}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, _ := runToTerminal(t, h, session.Seed{Question: "AI 기술의 최신 동향은 무엇입니까?"})

	assert.Equal(t, "ko", final.Language)
	assert.Equal(t, session.StageCompleted, final.Stage)
	assert.Contains(t, final.Research.FinalReport, "보고서")

	clarifyPrompt := h.llm.promptOfKind("clarify")
	require.NotEmpty(t, clarifyPrompt, "clarification prompt not captured")
	assert.Contains(t, clarifyPrompt, "연구 질문", "clarification should use the Korean template")
	finalPrompt := h.llm.promptOfKind("final")
	assert.Contains(t, finalPrompt, "한국어")
}

func TestDegradedSearchStillCompletes(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan()}}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{degraded: true})

	final, events := runToTerminal(t, h, session.Seed{Question: "Offline research question"})

	assert.Equal(t, session.StageCompleted, final.Stage)
	require.Len(t, final.Research.Summaries, 2)
	for _, sum := range final.Research.Summaries {
		assert.Empty(t, sum.Sources)
	}

	var degradedNotes int
	for _, e := range final.Research.Errors {
		if e.Kind == string(errors.KindSearchDegraded) {
			degradedNotes++
			assert.True(t, e.Recoverable)
		}
	}
	assert.Equal(t, 2, degradedNotes, "one degraded note per slot")

	terms := terminalEvents(events)
	require.Len(t, terms, 1)
	assert.Equal(t, bus.EventComplete, terms[0].Type, "degraded search must not fail the session")
}

func TestFatalLLMErrorEndsSession(t *testing.T) {
	t.Parallel()

	sc := &script{
		failKind: "brief",
		failErr:  errors.New(errors.KindLLMUnavailable, "all providers failed"),
	}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, events := runToTerminal(t, h, session.Seed{Question: "Doomed question"})

	assert.Equal(t, session.StageFailed, final.Stage)
	require.NotNil(t, final.LastError)
	assert.Equal(t, string(errors.KindLLMUnavailable), final.LastError.Kind)
	assert.Equal(t, session.StageBrief, final.LastError.Stage)
	assert.False(t, final.LastError.Recoverable)

	terms := terminalEvents(events)
	require.Len(t, terms, 1)
	assert.Equal(t, bus.EventError, terms[0].Type)
	require.NotNil(t, terms[0].Error)
	assert.Equal(t, string(errors.KindLLMUnavailable), terms[0].Error.Kind)

	_, err := h.store.LoadReport(context.Background(), final.ID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "no report for a failed session")
}

func TestNoProgressWhenNothingIsFound(t *testing.T) {
	t.Parallel()

	sc := &script{
		plans:    []string{`[{"research_question": "Same question", "description": "x"}]`},
		failKind: "researcher",
		failErr:  errors.New(errors.KindLLMUnavailable, "model down"),
	}
	// Every later plan repeats the already-asked question, so deduplication
	// keeps the batches empty until the iteration cap.
	sc.plans = append(sc.plans,
		`[{"research_question": "same question", "description": "x"}]`,
		`[{"research_question": " Same Question ", "description": "x"}]`,
	)
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, events := runToTerminal(t, h, session.Seed{Question: "Unanswerable", Depth: session.DepthShallow})

	assert.Equal(t, session.StageFailed, final.Stage)
	require.NotNil(t, final.LastError)
	assert.Equal(t, string(errors.KindNoProgress), final.LastError.Kind)
	assert.Empty(t, final.Research.Summaries)
	assert.LessOrEqual(t, final.Research.Iteration, 3, "shallow depth caps iterations at 3")

	terms := terminalEvents(events)
	require.Len(t, terms, 1)
	assert.Equal(t, bus.EventError, terms[0].Type)
}

func TestUnparseablePlanFallsBackToClarifiedGoal(t *testing.T) {
	t.Parallel()

	sc := &script{
		plans:       []string{"I would rather chat about the weather."},
		clarifyText: "Investigate the plainly stated goal.",
	}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, _ := runToTerminal(t, h, session.Seed{Question: "Fallback question"})

	assert.Equal(t, session.StageCompleted, final.Stage)
	require.Len(t, final.Research.Subtasks, 1)
	assert.Equal(t, "Investigate the plainly stated goal.", final.Research.Subtasks[0].Question)

	var parseErrors int
	for _, e := range final.Research.Errors {
		if e.Stage == session.StageSupervise && e.Recoverable {
			parseErrors++
		}
	}
	assert.GreaterOrEqual(t, parseErrors, 1, "the bad plan is recorded as a recoverable error")
}

func TestCancelMidResearch(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan()}}
	blocked := &fakeSearch{block: make(chan struct{})}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, blocked)

	sess, err := h.engine.Start(context.Background(), session.Seed{Question: "Cancel me"})
	require.NoError(t, err)

	// Wait until a researcher slot is parked in web search, then cancel.
	require.Eventually(t, blocked.hasQueries, 10*time.Second, 10*time.Millisecond,
		"never reached the research stage")

	sub := h.bus.Subscribe(sess.ID, 256)
	_, err = h.engine.Cancel(context.Background(), sess.ID)
	require.NoError(t, err)
	events := collectUntilClosed(t, sub)

	final, err := h.store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StageFailed, final.Stage)
	require.NotNil(t, final.LastError)
	assert.Equal(t, string(errors.KindCancelled), final.LastError.Kind)
	assert.Empty(t, final.Research.Summaries)

	terms := terminalEvents(events)
	require.Len(t, terms, 1)
	assert.Equal(t, bus.EventError, terms[0].Type)
	require.NotNil(t, terms[0].Error)
	assert.Equal(t, string(errors.KindCancelled), terms[0].Error.Kind)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan()}}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, _ := runToTerminal(t, h, session.Seed{Question: "Finish first"})
	require.Equal(t, session.StageCompleted, final.Stage)

	for i := 0; i < 2; i++ {
		got, err := h.engine.Cancel(context.Background(), final.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StageCompleted, got.Stage)
		assert.Equal(t, final.Version, got.Version, "cancel of a finished session must not write")
	}

	snap, ok := h.bus.Snapshot(final.ID)
	require.True(t, ok)
	assert.Equal(t, bus.EventComplete, snap.Type, "terminal snapshot survives cancel calls")
}

func TestCancelUnknownSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeLLM{reply: (&script{}).reply}, &fakeSearch{})
	_, err := h.engine.Cancel(context.Background(), "missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestStartRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeLLM{reply: (&script{}).reply}, &fakeSearch{})

	_, err := h.engine.Start(context.Background(), session.Seed{Question: "   "})
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))

	_, err = h.engine.Start(context.Background(), session.Seed{Question: "q", MaxResearchers: 9})
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))

	_, total, lerr := h.store.List(context.Background(), session.Filter{})
	require.NoError(t, lerr)
	assert.Zero(t, total, "rejected seeds must not leave sessions behind")
}

func TestSlowSubscriberStillSeesTerminal(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan()}}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	sess, err := h.engine.Start(context.Background(), session.Seed{Question: "Busy consumer"})
	require.NoError(t, err)
	sub := h.bus.Subscribe(sess.ID, 2)

	// Do not read until the session is over, forcing overflow drops.
	require.Eventually(t, func() bool {
		cur, err := h.store.Load(context.Background(), sess.ID)
		return err == nil && cur.Stage.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	events := collectUntilClosed(t, sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, bus.EventComplete, last.Type, "terminal event survives overflow")
	assert.Positive(t, sub.Dropped(), "a two-slot buffer must have dropped events")
}

func TestSummariesNeverExceedSubtasks(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan(), `[{"research_question": "Another angle?", "description": ""}]`}}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, &fakeSearch{results: defaultHits})

	final, _ := runToTerminal(t, h, session.Seed{Question: "Bounded bookkeeping"})

	assert.LessOrEqual(t, len(final.Research.Summaries), len(final.Research.Subtasks))
	assert.LessOrEqual(t, final.Research.Iteration, 6)
	for _, sum := range final.Research.Summaries {
		assert.NotEmpty(t, sum.Text)
	}
}

func TestShutdownCancelsRunningSessions(t *testing.T) {
	t.Parallel()

	sc := &script{plans: []string{twoTaskPlan()}}
	blocked := &fakeSearch{block: make(chan struct{})}
	h := newHarness(t, &fakeLLM{reply: sc.reply}, blocked)

	sess, err := h.engine.Start(context.Background(), session.Seed{Question: "Interrupted by shutdown"})
	require.NoError(t, err)

	// Let the workflow reach the blocking search call.
	require.Eventually(t, blocked.hasQueries, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	final, err := h.store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StageFailed, final.Stage)
	require.NotNil(t, final.LastError)
	assert.Equal(t, string(errors.KindCancelled), final.LastError.Kind)

	_, err = h.engine.Start(context.Background(), session.Seed{Question: "After shutdown"})
	assert.True(t, errors.IsKind(err, errors.KindCancelled))
}
