// Package app assembles the orchestrator from resolved configuration. The
// HTTP server and the one-shot CLI build the same container and differ only
// in what they do with it.
package app

import (
	"context"
	"io"
	"os"

	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/engine"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/prompts"
	"deepresearch/internal/search"
	"deepresearch/internal/server"
	"deepresearch/internal/session"
)

// Container holds every long-lived collaborator.
type Container struct {
	Config  config.Config
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Prompts *prompts.Registry
	Store   session.Store
	Bus     *bus.Bus
	LLM     *llm.Gateway
	Search  *search.Gateway
	Engine  *engine.Engine
}

// Options tweak container construction for different front ends.
type Options struct {
	// LogOutput overrides the log sink; default os.Stderr.
	LogOutput io.Writer
}

// Build wires the container bottom-up: observability first, then stores and
// gateways, then the engine on top.
func Build(cfg config.Config, opts Options) (*Container, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := logging.New(out, level)

	m, err := metrics.New()
	if err != nil {
		return nil, err
	}

	registry, err := prompts.NewRegistry(cfg.Prompts.Dir)
	if err != nil {
		return nil, err
	}

	dir, err := cfg.Store.Path()
	if err != nil {
		return nil, err
	}
	store, err := session.NewFileStore(dir, logger)
	if err != nil {
		return nil, err
	}

	b := bus.New(m, logger)

	gateway, err := llm.NewGateway(cfg.LLM, m, logger)
	if err != nil {
		return nil, err
	}
	searcher := search.NewGateway(search.NewTavilyProvider(cfg.Search.APIKey, logger), m, logger)

	eng, err := engine.New(engine.Config{
		Engine:        cfg.Engine,
		SearchResults: cfg.Search.MaxResults,
		StreamFinal:   cfg.LLM.StreamEnabled,
	}, engine.Deps{
		Store:   store,
		Bus:     b,
		LLM:     gateway,
		Search:  searcher,
		Prompts: registry,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		Prompts: registry,
		Store:   store,
		Bus:     b,
		LLM:     gateway,
		Search:  searcher,
		Engine:  eng,
	}, nil
}

// Server builds the HTTP and websocket surface on top of the container.
func (c *Container) Server() (*server.Server, error) {
	return server.New(c.Config, server.Deps{
		Engine:  c.Engine,
		Store:   c.Store,
		Bus:     c.Bus,
		LLM:     c.LLM,
		Search:  c.Search,
		Metrics: c.Metrics,
		Logger:  c.Logger,
	})
}

// Shutdown cancels every running session and waits for their terminal
// transitions, bounded by ctx.
func (c *Container) Shutdown(ctx context.Context) error {
	return c.Engine.Shutdown(ctx)
}
