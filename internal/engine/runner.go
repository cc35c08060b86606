package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"deepresearch/internal/bus"
	"deepresearch/internal/errors"
	"deepresearch/internal/lang"
	"deepresearch/internal/llm"
	"deepresearch/internal/prompts"
	"deepresearch/internal/session"
)

// Progress checkpoints per stage. The supervise/research rounds share the
// 40..80 window, split evenly across iterations.
const (
	progressIntake        = 2
	progressClarify       = 10
	progressClarified     = 20
	progressBriefed       = 40
	progressResearchStart = 40
	progressResearchEnd   = 80
	progressCompress      = 80
	progressCompressed    = 90
	progressFinalize      = 90
	progressDone          = 100
)

// draftPreviewStride is how many report runes accumulate between streaming
// progress_thinking updates.
const draftPreviewStride = 400

// progressBand is one research round's slice of the progress window.
type progressBand struct{ start, end int }

// runner executes one session's workflow. It owns the session copy and is
// the only writer of its state; researcher slots report back through return
// values and the serialised emit path.
type runner struct {
	e             *Engine
	sess          *session.Session
	maxIterations int

	mu           sync.Mutex // serialises event emission across slots
	lastProgress int
}

func newRunner(e *Engine, sess *session.Session) *runner {
	return &runner{
		e:             e,
		sess:          sess,
		maxIterations: e.cfg.Engine.MaxIterationsFor(string(sess.Depth)),
		lastProgress:  sess.Progress,
	}
}

// drive walks the state machine to a terminal stage. Every exit path ends in
// exactly one terminal transition: complete or fail.
func (r *runner) drive(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.e.logger.Error("session %s: workflow panic: %v", r.sess.ID, rec)
			r.fail(errors.Newf(errors.KindInternal, "workflow panic: %v", rec))
		}
	}()

	if err := r.clarify(ctx); err != nil {
		r.fail(err)
		return
	}
	if err := r.brief(ctx); err != nil {
		r.fail(err)
		return
	}
	for {
		batch, done, err := r.supervise(ctx)
		if err != nil {
			r.fail(err)
			return
		}
		if done {
			break
		}
		if err := r.research(ctx, batch); err != nil {
			r.fail(err)
			return
		}
	}
	findings, err := r.compress(ctx)
	if err != nil {
		r.fail(err)
		return
	}
	report, err := r.finalize(ctx, findings)
	if err != nil {
		r.fail(err)
		return
	}
	r.complete(report)
}

// emit publishes one event for this session. Progress is clamped under the
// emitter lock so subscribers never observe it moving backwards, even when
// parallel slots report out of order.
func (r *runner) emit(typ bus.EventType, stage session.Stage, progress int, detail string, errInfo *bus.ErrorInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if progress < r.lastProgress {
		progress = r.lastProgress
	}
	r.lastProgress = progress
	r.e.bus.Publish(bus.Event{
		SessionID: r.sess.ID,
		Type:      typ,
		Stage:     stage,
		Progress:  progress,
		Detail:    detail,
		Error:     errInfo,
	})
}

// transition persists a mutation and then announces it. Durability precedes
// visibility: subscribers only ever see state that is already on disk.
func (r *runner) transition(ctx context.Context, typ bus.EventType, detail string, mutate func(*session.Session) error) error {
	updated, err := r.e.store.Update(ctx, r.sess.ID, mutate)
	if err != nil {
		return err
	}
	r.sess = updated
	r.emit(typ, updated.Stage, updated.Progress, detail, nil)
	return nil
}

// recordRecoverable appends a non-fatal error to the session's error log and
// carries on.
func (r *runner) recordRecoverable(stage session.Stage, cause error) {
	kind := errors.KindOf(cause)
	entry := session.StageError{
		Stage:       stage,
		Kind:        string(kind),
		Message:     cause.Error(),
		Recoverable: true,
		At:          time.Now().UTC(),
	}
	updated, err := r.e.store.Update(context.Background(), r.sess.ID, func(s *session.Session) error {
		s.Research.Errors = append(s.Research.Errors, entry)
		return nil
	})
	if err != nil {
		r.e.logger.Warn("session %s: recording recoverable error: %v", r.sess.ID, err)
		return
	}
	r.sess = updated
	r.e.logger.Warn("session %s: recoverable %s at %s: %v", r.sess.ID, kind, stage, cause)
}

func (r *runner) clarify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	if err := r.transition(ctx, bus.EventProgress, "clarifying the research goal", func(s *session.Session) error {
		s.Stage = session.StageClarify
		s.Progress = progressClarify
		return nil
	}); err != nil {
		return err
	}

	prompt, err := r.e.prompts.Render(prompts.Clarification, r.sess.Language, map[string]string{
		"question": r.sess.Question,
	})
	if err != nil {
		return err
	}
	r.emit(bus.EventThinking, session.StageClarify, progressClarify, "analysing the research question", nil)

	text, err := r.e.llm.Generate(ctx, llm.StageResearch, prompt, r.sess.Language)
	if err != nil {
		return err
	}

	// The model either restates the goal or answers with the sentinel when
	// the raw question is already researchable.
	goal := strings.TrimSpace(text)
	if goal == "" || strings.Contains(goal, prompts.ProceedToResearch) {
		goal = r.sess.Question
	}

	return r.transition(ctx, bus.EventProgress, "research goal clarified", func(s *session.Session) error {
		s.Progress = progressClarified
		s.Research.ClarifiedGoal = goal
		return nil
	})
}

func (r *runner) brief(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	if err := r.transition(ctx, bus.EventProgress, "writing the research brief", func(s *session.Session) error {
		s.Stage = session.StageBrief
		return nil
	}); err != nil {
		return err
	}

	prompt, err := r.e.prompts.Render(prompts.ResearchBrief, r.sess.Language, map[string]string{
		"question":      r.sess.Question,
		"clarification": r.sess.Research.ClarifiedGoal,
	})
	if err != nil {
		return err
	}
	r.emit(bus.EventThinking, session.StageBrief, r.sess.Progress, "planning the research approach", nil)

	text, err := r.e.llm.Generate(ctx, llm.StageResearch, prompt, r.sess.Language)
	if err != nil {
		return err
	}
	briefText := strings.TrimSpace(text)
	if briefText == "" {
		briefText = r.sess.Research.ClarifiedGoal
	}

	return r.transition(ctx, bus.EventProgress, "research brief ready", func(s *session.Session) error {
		s.Progress = progressBriefed
		s.Research.Brief = briefText
		return nil
	})
}

// supervise plans the next research round. It returns the deduplicated batch,
// or done=true once the session should move on to compression.
func (r *runner) supervise(ctx context.Context) ([]session.Subtask, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, errors.FromContext(err)
	}

	iter := r.sess.Research.Iteration
	band := r.band(iter)
	if err := r.transition(ctx, bus.EventProgress, "planning the next research round", func(s *session.Session) error {
		s.Stage = session.StageSupervise
		if s.Progress < band.start {
			s.Progress = band.start
		}
		return nil
	}); err != nil {
		return nil, false, err
	}

	var batch []session.Subtask
	if iter < r.maxIterations {
		batch = r.plan(ctx)
		if err := ctx.Err(); err != nil {
			return nil, false, errors.FromContext(err)
		}
	}

	if (len(batch) == 0 && len(r.sess.Research.Summaries) > 0) || iter >= r.maxIterations {
		if len(r.sess.Research.Summaries) == 0 {
			return nil, false, errors.Newf(errors.KindNoProgress,
				"no findings after %d iterations", iter).AtStage(string(session.StageSupervise))
		}
		return nil, true, nil
	}

	err := r.transition(ctx, bus.EventProgress,
		fmt.Sprintf("iteration %d: %d research tasks", iter+1, len(batch)),
		func(s *session.Session) error {
			s.Research.Iteration++
			s.Research.Subtasks = append(s.Research.Subtasks, batch...)
			return nil
		})
	return batch, false, err
}

// plan asks the supervisor model for the next batch of subtasks. Failures
// here are recoverable: they are recorded and yield an empty batch, except on
// the first round where an unparseable plan falls back to researching the
// clarified goal directly.
func (r *runner) plan(ctx context.Context) []session.Subtask {
	iter := r.sess.Research.Iteration
	prompt, err := r.e.prompts.Render(prompts.Supervisor, r.sess.Language, map[string]string{
		"brief":        r.sess.Research.Brief,
		"findings":     formatFindings(r.sess.Research.Summaries),
		"iteration":    strconv.Itoa(iter),
		"max_subtasks": strconv.Itoa(r.sess.MaxResearchers),
	})
	if err != nil {
		r.recordRecoverable(session.StageSupervise, err)
		return nil
	}
	r.emit(bus.EventThinking, session.StageSupervise, r.sess.Progress, "deciding what to research next", nil)

	text, err := r.e.llm.Generate(ctx, llm.StageResearch, prompt, r.sess.Language)
	if err != nil {
		if ctx.Err() == nil {
			r.recordRecoverable(session.StageSupervise, err)
		}
		return nil
	}

	batch, err := parseSubtasks(text)
	if err != nil {
		r.recordRecoverable(session.StageSupervise, errors.Wrap(errors.KindInternal, err, "unparseable supervisor plan"))
		if iter == 0 {
			batch = []session.Subtask{{
				Question:    r.sess.Research.ClarifiedGoal,
				Description: "Research the clarified goal directly, following the research brief.",
			}}
		}
	}
	return dedupeSubtasks(batch, r.sess.Research.Subtasks, r.sess.MaxResearchers)
}

// research runs one round of parallel researcher slots and folds their
// results into the session in subtask order.
func (r *runner) research(ctx context.Context, batch []session.Subtask) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	// Iteration was already incremented for this round.
	band := r.band(r.sess.Research.Iteration - 1)
	if err := r.transition(ctx, bus.EventProgress,
		fmt.Sprintf("researching %d tasks in parallel", len(batch)),
		func(s *session.Session) error {
			s.Stage = session.StageResearch
			return nil
		}); err != nil {
		return err
	}

	results := r.runBatch(ctx, batch, band)
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	return r.transition(ctx, bus.EventProgress, "research round complete", func(s *session.Session) error {
		for _, res := range results {
			s.Research.Errors = append(s.Research.Errors, res.Errors...)
			if res.Status == SlotCompleted {
				s.Research.Summaries = append(s.Research.Summaries, res.Summary)
			}
		}
		s.Progress = band.end
		return nil
	})
}

func (r *runner) compress(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.FromContext(err)
	}
	if err := r.transition(ctx, bus.EventProgress, "consolidating findings", func(s *session.Session) error {
		s.Stage = session.StageCompress
		s.Progress = progressCompress
		return nil
	}); err != nil {
		return "", err
	}

	prompt, err := r.e.prompts.Render(prompts.Compression, r.sess.Language, map[string]string{
		"question":  r.sess.Question,
		"summaries": formatSummaries(r.sess.Research.Summaries),
	})
	if err != nil {
		return "", err
	}
	r.emit(bus.EventThinking, session.StageCompress, progressCompress, "merging researcher findings", nil)

	text, err := r.e.llm.Generate(ctx, llm.StageCompression, prompt, r.sess.Language)
	if err != nil {
		return "", err
	}
	findings := strings.TrimSpace(text)
	if findings == "" {
		// An empty consolidation would starve the report; fall back to the
		// raw summaries and note the degradation.
		r.recordRecoverable(session.StageCompress,
			errors.New(errors.KindLLMUnavailable, "empty compression output, using raw summaries"))
		findings = formatSummaries(r.sess.Research.Summaries)
	}

	if err := r.transition(ctx, bus.EventProgress, "findings consolidated", func(s *session.Session) error {
		s.Progress = progressCompressed
		return nil
	}); err != nil {
		return "", err
	}
	return findings, nil
}

func (r *runner) finalize(ctx context.Context, findings string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.FromContext(err)
	}
	if err := r.transition(ctx, bus.EventProgress, "writing the final report", func(s *session.Session) error {
		s.Stage = session.StageFinalize
		s.Progress = progressFinalize
		return nil
	}); err != nil {
		return "", err
	}

	prompt, err := r.e.prompts.Render(prompts.FinalReport, r.sess.Language, map[string]string{
		"question": r.sess.Question,
		"brief":    r.sess.Research.Brief,
		"findings": findings,
		"language": lang.DisplayName(r.sess.Language),
	})
	if err != nil {
		return "", err
	}
	r.emit(bus.EventThinking, session.StageFinalize, progressFinalize, "drafting the report", nil)

	var text string
	if r.e.cfg.StreamFinal {
		var drafted, announced int
		text, err = r.e.llm.Stream(ctx, llm.StageFinalReport, prompt, r.sess.Language, func(delta string) {
			drafted += utf8.RuneCountInString(delta)
			if drafted-announced >= draftPreviewStride {
				announced = drafted
				r.emit(bus.EventThinking, session.StageFinalize, progressFinalize,
					fmt.Sprintf("drafting the report (%d characters)", drafted), nil)
			}
		})
	} else {
		text, err = r.e.llm.Generate(ctx, llm.StageFinalReport, prompt, r.sess.Language)
	}
	if err != nil {
		return "", err
	}

	report := strings.TrimSpace(text)
	if report == "" {
		return "", errors.New(errors.KindLLMUnavailable, "model produced an empty report").
			AtStage(string(session.StageFinalize))
	}
	return report, nil
}

// complete is the successful terminal transition: persist the report, then
// announce completion and retire the topic.
func (r *runner) complete(report string) {
	ctx := context.Background()
	if err := r.e.store.SaveReport(ctx, r.sess.ID, report); err != nil {
		r.fail(err)
		return
	}
	updated, err := r.e.store.Update(ctx, r.sess.ID, func(s *session.Session) error {
		s.Stage = session.StageCompleted
		s.Progress = progressDone
		s.Research.FinalReport = report
		s.LastError = nil
		return nil
	})
	if err != nil {
		r.fail(err)
		return
	}
	r.sess = updated

	r.emit(bus.EventComplete, session.StageCompleted, progressDone, "research complete", nil)
	r.e.bus.Close(r.sess.ID)
	r.e.metrics.SessionFinished("completed")
	r.e.logger.Info("session %s completed: %d iterations, %d summaries, report %d bytes",
		r.sess.ID, r.sess.Research.Iteration, len(r.sess.Research.Summaries), len(report))
}

// fail is the error terminal transition. It persists the fatal error with a
// background context so a cancelled workflow can still reach disk, then
// publishes the terminal event and retires the topic.
func (r *runner) fail(cause error) {
	kind := errors.KindOf(cause)
	stage := r.sess.Stage
	if at := errors.StageOf(cause); at != "" {
		stage = session.Stage(at)
	}
	entry := &session.StageError{
		Stage:       stage,
		Kind:        string(kind),
		Message:     cause.Error(),
		Recoverable: false,
		At:          time.Now().UTC(),
	}

	updated, err := r.e.store.Update(context.Background(), r.sess.ID, func(s *session.Session) error {
		s.Stage = session.StageFailed
		s.LastError = entry
		return nil
	})
	if err != nil {
		r.e.logger.Error("session %s: persisting terminal error: %v", r.sess.ID, err)
	} else {
		r.sess = updated
	}

	r.emit(bus.EventError, session.StageFailed, r.sess.Progress, cause.Error(), &bus.ErrorInfo{
		Kind:    string(kind),
		Message: errors.UserMessage(kind, r.sess.Language),
	})
	r.e.bus.Close(r.sess.ID)

	outcome := "error"
	if kind == errors.KindCancelled {
		outcome = "cancelled"
	}
	r.e.metrics.SessionFinished(outcome)
	r.e.logger.Warn("session %s failed at %s: %v", r.sess.ID, stage, cause)
}

// band maps a zero-based research round onto its slice of the shared
// supervise/research progress window.
func (r *runner) band(round int) progressBand {
	span := progressResearchEnd - progressResearchStart
	return progressBand{
		start: progressResearchStart + span*round/r.maxIterations,
		end:   progressResearchStart + span*(round+1)/r.maxIterations,
	}
}
