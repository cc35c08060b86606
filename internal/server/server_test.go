package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/engine"
	"deepresearch/internal/llm"
	"deepresearch/internal/metrics"
	"deepresearch/internal/prompts"
	"deepresearch/internal/search"
	"deepresearch/internal/session"
)

// stubLLM recognises each stage template by a fixed phrase and answers with
// canned, well-formed output. It doubles as the health probe target.
type stubLLM struct {
	available bool

	mu    sync.Mutex
	plans int
}

func (s *stubLLM) Generate(_ context.Context, _ llm.Stage, prompt, _ string) (string, error) {
	switch {
	case strings.Contains(prompt, "clarifying research goals"):
		return prompts.ProceedToResearch, nil
	case strings.Contains(prompt, "research planning expert"):
		return "Cover the essentials of the topic end to end.", nil
	case strings.Contains(prompt, "research supervisor"):
		s.mu.Lock()
		defer s.mu.Unlock()
		s.plans++
		if s.plans == 1 {
			return `[{"research_question": "What are the key facts?", "description": "Establish the basics."}]`, nil
		}
		return "[]", nil
	case strings.Contains(prompt, "expert researcher tasked"):
		return "The key facts are settled and well documented (https://example.com/facts).", nil
	case strings.Contains(prompt, "Consolidate the individual research summaries"):
		return "All findings, consolidated.", nil
	case strings.Contains(prompt, "Write the final research report"):
		return "# Findings\n\nEverything that matters [1].", nil
	}
	return "", fmt.Errorf("unrecognised prompt: %.60s", prompt)
}

func (s *stubLLM) Stream(ctx context.Context, stage llm.Stage, prompt, language string, onDelta func(string)) (string, error) {
	text, err := s.Generate(ctx, stage, prompt, language)
	if err == nil && onDelta != nil {
		onDelta(text)
	}
	return text, err
}

func (s *stubLLM) Available(context.Context) bool { return s.available }

// stubSearch returns one canned hit. With block set it parks until the
// context ends, which keeps a session mid-flight for as long as a test needs.
type stubSearch struct {
	available bool
	block     chan struct{}
}

func (s *stubSearch) Search(ctx context.Context, _, _ string, _ int) (search.Response, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return search.Response{}, ctx.Err()
		}
	}
	return search.Response{Results: []search.Result{
		{Title: "Reference", URL: "https://example.com/ref", Snippet: "Background reading.", Score: 0.9},
	}}, nil
}

func (s *stubSearch) Available(context.Context) bool { return s.available }

type testServer struct {
	srv    *Server
	store  session.Store
	bus    *bus.Bus
	engine *engine.Engine
	llm    *stubLLM
	search *stubSearch
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := session.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	registry, err := prompts.NewRegistry("")
	require.NoError(t, err)
	b := bus.New(nil, nil)

	sl := &stubLLM{available: true}
	ss := &stubSearch{available: true}

	eng, err := engine.New(engine.Config{
		Engine:        config.EngineConfig{MaxIterations: 3, SlotTimeoutMS: 5000, ContentTruncation: 500},
		SearchResults: 3,
	}, engine.Deps{Store: store, Bus: b, LLM: sl, Search: ss, Prompts: registry})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	m, err := metrics.New()
	require.NoError(t, err)

	srv, err := New(config.Default(), Deps{
		Engine:  eng,
		Store:   store,
		Bus:     b,
		LLM:     sl,
		Search:  ss,
		Metrics: m,
	})
	require.NoError(t, err)

	return &testServer{srv: srv, store: store, bus: b, engine: eng, llm: sl, search: ss}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into), "body: %s", w.Body.String())
}

func errKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, w, &body)
	return body.Error.Kind
}

// start POSTs a research request and returns the accepted session id.
func (ts *testServer) start(t *testing.T, query string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/research", startRequest{Query: query})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp startResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, "started", resp.Status)
	return resp.SessionID
}

// finish drains the session's event stream until the bus retires the topic.
func (ts *testServer) finish(t *testing.T, id string) {
	t.Helper()
	sub := ts.bus.Subscribe(id, 256)
	defer ts.bus.Unsubscribe(sub)
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("session did not reach a terminal event in time")
		}
	}
}

func TestStartResearchValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/research", startRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errKind(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/research", startRequest{Query: "ok", Depth: "bottomless"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errKind(t, w))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/research", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errKind(t, rec))
}

func TestResearchLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := ts.start(t, "How do tides work?")
	ts.finish(t, id)

	w := ts.do(t, http.MethodGet, "/api/v1/research/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sess session.Session
	decode(t, w, &sess)
	assert.Equal(t, session.StageCompleted, sess.Stage)
	assert.Equal(t, 100, sess.Progress)
	assert.NotEmpty(t, sess.Research.FinalReport)

	w = ts.do(t, http.MethodGet, "/api/v1/research/"+id+"/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reportResponse
	decode(t, w, &report)
	assert.Equal(t, id, report.SessionID)
	assert.Contains(t, report.Report, "# Findings")
	assert.NotEmpty(t, report.Sources)

	// Cancelling a finished session is a no-op reporting its terminal stage.
	w = ts.do(t, http.MethodPost, "/api/v1/research/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled cancelResponse
	decode(t, w, &cancelled)
	assert.Equal(t, string(session.StageCompleted), cancelled.Status)
}

func TestResearchStatusUnknownSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/research/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errKind(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/research/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errKind(t, w))
}

func TestReportBeforeCompletionConflicts(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	sess, err := ts.store.Create(context.Background(), session.Seed{Question: "What is dark matter?"})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/v1/research/"+sess.ID+"/report", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_INPUT", errKind(t, w))
}

func TestCancelActiveSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.search.block = make(chan struct{})

	id := ts.start(t, "How do glaciers move?")

	w := ts.do(t, http.MethodPost, "/api/v1/research/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	ts.finish(t, id)

	w = ts.do(t, http.MethodGet, "/api/v1/research/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sess session.Session
	decode(t, w, &sess)
	assert.Equal(t, session.StageFailed, sess.Stage)
	require.NotNil(t, sess.LastError)
	assert.Equal(t, "CANCELLED", sess.LastError.Kind)
}

func TestListAndDeleteSessions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := ts.start(t, "Why is the sky blue?")
	ts.finish(t, id)

	w := ts.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list listResponse
	decode(t, w, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, 20, list.Limit)
	assert.Equal(t, id, list.Sessions[0].SessionID)
	assert.Equal(t, session.StageCompleted, list.Sessions[0].Stage)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions?stage=error", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Zero(t, list.Total)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/sessions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/sessions?stage=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/research/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthReflectsBackends(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health healthResponse
	decode(t, w, &health)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.LLMAvailable)
	assert.True(t, health.SearchAvailable)

	// A missing search backend degrades nothing; a missing LLM does.
	ts.search.available = false
	w = ts.do(t, http.MethodGet, "/api/v1/health", nil)
	decode(t, w, &health)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.SearchAvailable)

	ts.llm.available = false
	w = ts.do(t, http.MethodGet, "/api/v1/health", nil)
	decode(t, w, &health)
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.LLMAvailable)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deepresearch_sessions_started_total")
}

func wsURL(srv *httptest.Server, id string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id
}

func dialWS(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, id), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketStreamsUntilComplete(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.search.block = make(chan struct{})

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	id := ts.start(t, "How does photosynthesis work?")
	conn := dialWS(t, httpSrv, id)

	// The subscription replays the current state before live events.
	var first bus.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, bus.EventProgress, first.Type)
	assert.Equal(t, "replay", first.Detail)

	close(ts.search.block)

	last := first
	for {
		var ev bus.Event
		if readErr := conn.ReadJSON(&ev); readErr != nil {
			assert.True(t, websocket.IsCloseError(readErr, websocket.CloseNormalClosure),
				"expected normal closure, got %v", readErr)
			break
		}
		assert.Equal(t, id, ev.SessionID)
		assert.GreaterOrEqual(t, ev.Progress, last.Progress, "progress went backwards")
		last = ev
	}
	assert.Equal(t, bus.EventComplete, last.Type)
	assert.Equal(t, 100, last.Progress)
}

func TestWebSocketReplaysRetainedTerminal(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := ts.start(t, "How do tides work?")
	ts.finish(t, id)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv, id)
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.EventComplete, ev.Type)
	assert.Equal(t, id, ev.SessionID)
	assert.Equal(t, 100, ev.Progress)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketSynthesizesSnapshotFromStore(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// The bus has no memory of these sessions, as after a process restart.
	done, err := ts.store.Create(context.Background(), session.Seed{Question: "What is dark matter?"})
	require.NoError(t, err)
	_, err = ts.store.Update(context.Background(), done.ID, func(s *session.Session) error {
		s.Stage = session.StageCompleted
		s.Progress = 100
		return nil
	})
	require.NoError(t, err)

	failed, err := ts.store.Create(context.Background(), session.Seed{Question: "What is dark energy?"})
	require.NoError(t, err)
	_, err = ts.store.Update(context.Background(), failed.ID, func(s *session.Session) error {
		s.Stage = session.StageFailed
		s.Progress = 40
		s.LastError = &session.StageError{Stage: session.StageBrief, Kind: "LLM_UNAVAILABLE", Message: "no provider"}
		return nil
	})
	require.NoError(t, err)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv, done.ID)
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.EventComplete, ev.Type)
	assert.Equal(t, session.StageCompleted, ev.Stage)
	assert.Equal(t, 100, ev.Progress)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	conn = dialWS(t, httpSrv, failed.ID)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.EventError, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "LLM_UNAVAILABLE", ev.Error.Kind)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketUnknownSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, "missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
