package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"deepresearch/internal/bus"
	"deepresearch/internal/errors"
	"deepresearch/internal/llm"
	"deepresearch/internal/prompts"
	"deepresearch/internal/search"
	"deepresearch/internal/session"
)

// SlotStatus classifies the outcome of one researcher slot.
type SlotStatus string

const (
	SlotCompleted SlotStatus = "completed"
	SlotFailed    SlotStatus = "failed"
	SlotCancelled SlotStatus = "cancelled"
)

// SlotResult is the outcome of one researcher slot, reported at its
// subtask's input position regardless of completion order.
type SlotResult struct {
	Subtask session.Subtask
	Status  SlotStatus
	Summary session.Summary
	Errors  []session.StageError
}

// runBatch executes one research round. Every subtask gets a slot, at most
// MaxResearchers run concurrently, and a slot failure never takes down its
// siblings or the batch.
func (r *runner) runBatch(ctx context.Context, batch []session.Subtask, band progressBand) []SlotResult {
	results := make([]SlotResult, len(batch))
	if len(batch) == 0 {
		return results
	}

	var completed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.sess.MaxResearchers)
	for i, task := range batch {
		g.Go(func() error {
			results[i] = r.runSlot(gctx, task, len(batch), band, &completed)
			return nil
		})
	}
	// Slots never return errors; Wait only joins them.
	_ = g.Wait()
	return results
}

// runSlot searches the web for one subtask and summarises the hits. The slot
// runs under its own deadline; aborts are classified as cancellation when the
// round itself was cancelled and as slot errors otherwise.
func (r *runner) runSlot(ctx context.Context, task session.Subtask, total int, band progressBand, completed *atomic.Int64) (res SlotResult) {
	res = SlotResult{Subtask: task, Status: SlotFailed}
	defer func() {
		if rec := recover(); rec != nil {
			res.Status = SlotFailed
			res.Summary = session.Summary{}
			res.Errors = append(res.Errors, slotError(errors.KindInternal, fmt.Sprintf("researcher panic: %v", rec)))
		}
	}()

	if ctx.Err() != nil {
		res.Status = SlotCancelled
		return res
	}

	r.e.metrics.SlotStarted()
	defer r.e.metrics.SlotFinished()

	slotCtx, cancel := context.WithTimeout(ctx, r.e.cfg.Engine.SlotTimeout())
	defer cancel()

	r.emit(bus.EventSearching, session.StageResearch,
		r.progressAt(band, completed.Load(), total),
		"searching: "+truncateRunes(task.Question, 120), nil)

	resp, err := r.e.search.Search(slotCtx, task.Question, r.sess.Language, r.e.cfg.SearchResults)
	if err != nil {
		return r.slotAborted(ctx, res, err)
	}
	if resp.Degraded {
		res.Errors = append(res.Errors, slotError(errors.KindSearchDegraded,
			"web search unavailable, summarising without sources"))
	}

	prompt, err := r.e.prompts.Render(prompts.Researcher, r.sess.Language, map[string]string{
		"question":    task.Question,
		"description": task.Description,
		"snippets":    formatSnippets(resp.Results, r.e.cfg.Engine.ContentTruncation),
	})
	if err != nil {
		res.Errors = append(res.Errors, slotError(errors.KindInternal, err.Error()))
		return res
	}

	text, err := r.e.llm.Generate(slotCtx, llm.StageResearch, prompt, r.sess.Language)
	if err != nil {
		return r.slotAborted(ctx, res, err)
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		res.Errors = append(res.Errors, slotError(errors.KindLLMUnavailable,
			"researcher produced an empty summary"))
		return res
	}

	res.Summary = session.Summary{
		SubtaskRef: task.Question,
		Text:       summary,
		Sources:    sourceURLs(resp.Results),
	}
	res.Status = SlotCompleted

	done := completed.Add(1)
	r.emit(bus.EventProgress, session.StageResearch, r.progressAt(band, done, total),
		fmt.Sprintf("completed %d of %d research tasks", done, total), nil)
	return res
}

// slotAborted classifies a slot abort: cancellation of the whole round wins,
// everything else at this point is the slot's own deadline or backend error.
func (r *runner) slotAborted(round context.Context, res SlotResult, cause error) SlotResult {
	if round.Err() != nil {
		res.Status = SlotCancelled
		return res
	}
	kind := errors.KindOf(cause)
	if kind == errors.KindCancelled {
		kind = errors.KindTimeout
	}
	res.Errors = append(res.Errors, slotError(kind, cause.Error()))
	return res
}

// progressAt spreads the round's progress window across completed slots.
func (r *runner) progressAt(band progressBand, done int64, total int) int {
	return band.start + (band.end-band.start)*int(done)/total
}

func slotError(kind errors.Kind, message string) session.StageError {
	return session.StageError{
		Stage:       session.StageResearch,
		Kind:        string(kind),
		Message:     message,
		Recoverable: true,
		At:          time.Now().UTC(),
	}
}

func sourceURLs(results []search.Result) []string {
	urls := make([]string, 0, len(results))
	for _, res := range results {
		if res.URL != "" {
			urls = append(urls, res.URL)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}
