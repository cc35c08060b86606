// Package engine drives research sessions through the workflow state
// machine: clarify, brief, then supervise/research rounds until the
// supervisor is satisfied, followed by compression and the final report.
// Gateways are explicit dependencies; the engine owns no global state.
package engine

import (
	"context"
	"sync"

	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/errors"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/prompts"
	"deepresearch/internal/search"
	"deepresearch/internal/session"
)

// Generator is the text-generation surface the engine consumes.
// *llm.Gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context, stage llm.Stage, prompt, language string) (string, error)
	Stream(ctx context.Context, stage llm.Stage, prompt, language string, onDelta func(string)) (string, error)
}

// Searcher is the web-search surface researcher slots consume.
// *search.Gateway satisfies it.
type Searcher interface {
	Search(ctx context.Context, query, language string, maxResults int) (search.Response, error)
}

// Config carries the engine knobs resolved at startup.
type Config struct {
	Engine        config.EngineConfig
	SearchResults int
	StreamFinal   bool
}

// Deps are the collaborators every session shares.
type Deps struct {
	Store   session.Store
	Bus     *bus.Bus
	LLM     Generator
	Search  Searcher
	Prompts *prompts.Registry
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Engine runs one state machine per session. Sessions execute in parallel;
// within a session the stages transition sequentially.
type Engine struct {
	cfg     Config
	store   session.Store
	bus     *bus.Bus
	llm     Generator
	search  Searcher
	prompts *prompts.Registry
	metrics *metrics.Metrics
	logger  logging.Logger

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New wires an engine. Every dependency except Metrics and Logger is
// required.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Bus == nil || deps.LLM == nil || deps.Search == nil || deps.Prompts == nil {
		return nil, errors.New(errors.KindInternal, "engine is missing a required dependency")
	}
	rootCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		bus:     deps.Bus,
		llm:     deps.LLM,
		search:  deps.Search,
		prompts: deps.Prompts,
		metrics: deps.Metrics,
		logger:  logging.WithComponent(logging.OrNop(deps.Logger), "engine"),
		rootCtx: rootCtx,
		stop:    stop,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Start validates the seed, persists the new session, and launches its
// workflow. It returns once intake is durable; the workflow proceeds in the
// background.
func (e *Engine) Start(ctx context.Context, seed session.Seed) (*session.Session, error) {
	seed, err := seed.Normalize()
	if err != nil {
		return nil, err
	}
	if err := e.rootCtx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, err, "engine is shutting down")
	}

	sess, err := e.store.Create(ctx, seed)
	if err != nil {
		return nil, err
	}
	e.metrics.SessionStarted()

	sess, err = e.store.Update(ctx, sess.ID, func(s *session.Session) error {
		s.Stage = session.StageIntake
		s.Progress = progressIntake
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.bus.Publish(bus.Event{
		SessionID: sess.ID,
		Type:      bus.EventProgress,
		Stage:     session.StageIntake,
		Progress:  progressIntake,
		Detail:    "research session accepted",
	})

	runCtx, cancel := context.WithCancel(e.rootCtx)
	e.mu.Lock()
	e.running[sess.ID] = cancel
	e.mu.Unlock()

	e.logger.Info("session %s started: language=%s depth=%s researchers=%d",
		sess.ID, sess.Language, sess.Depth, sess.MaxResearchers)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(sess.ID)
		r := newRunner(e, sess.Clone())
		r.drive(runCtx)
	}()

	return sess, nil
}

// Cancel requests termination of a session. It is idempotent: cancelling a
// finished session changes nothing and returns its current state.
func (e *Engine) Cancel(ctx context.Context, id string) (*session.Session, error) {
	sess, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	cancel, active := e.running[id]
	e.mu.Unlock()

	if active {
		cancel()
		return sess, nil
	}
	if sess.Stage.Terminal() {
		return sess, nil
	}

	// No goroutine owns this session (orphaned by a restart): terminate it
	// directly so the terminal-event contract still holds.
	r := newRunner(e, sess.Clone())
	r.fail(errors.New(errors.KindCancelled, "cancelled by user"))
	return e.store.Load(ctx, id)
}

// release forgets the session's cancel func once its run ends.
func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// Active reports whether the session's workflow is currently running.
func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// Shutdown cancels every running session and waits for their terminal
// transitions, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
