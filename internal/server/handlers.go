package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"deepresearch/internal/errors"
	"deepresearch/internal/session"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// handleStartResearch accepts a research question and returns once the
// session is durable; research continues in the background.
func (s *Server) handleStartResearch(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Wrap(errors.KindInvalidInput, err, "malformed request body"))
		return
	}

	sess, err := s.engine.Start(c.Request.Context(), session.Seed{
		Question:       req.Query,
		Language:       req.Language,
		Depth:          session.Depth(req.Depth),
		MaxResearchers: req.MaxResearchers,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, startResponse{
		SessionID: sess.ID,
		Status:    "started",
		Language:  sess.Language,
	})
}

// handleResearchStatus returns the full persisted session document.
func (s *Server) handleResearchStatus(c *gin.Context) {
	sess, err := s.store.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleCancelResearch requests termination. Cancelling a finished session
// is a no-op that reports its terminal stage.
func (s *Server) handleCancelResearch(c *gin.Context) {
	sess, err := s.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{
		SessionID: sess.ID,
		Status:    string(sess.Stage),
	})
}

// handleResearchReport serves the final report once the session completed.
func (s *Server) handleResearchReport(c *gin.Context) {
	sess, err := s.store.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.Stage != session.StageCompleted {
		respondConflict(c, errors.KindInvalidInput,
			"report not available: session is "+string(sess.Stage))
		return
	}
	c.JSON(http.StatusOK, reportFrom(sess))
}

// handleListSessions pages persisted sessions newest-first.
func (s *Server) handleListSessions(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultPageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	if limit < 1 || limit > maxPageSize {
		respondError(c, errors.Newf(errors.KindInvalidInput, "limit %d out of range [1,%d]", limit, maxPageSize))
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	if offset < 0 {
		respondError(c, errors.New(errors.KindInvalidInput, "offset must not be negative"))
		return
	}

	var stage session.Stage
	if raw := c.Query("stage"); raw != "" {
		stage = session.Stage(raw)
		if !stage.Valid() {
			respondError(c, errors.Newf(errors.KindInvalidInput, "unknown stage %q", raw))
			return
		}
	}

	sessions, total, err := s.store.List(c.Request.Context(), session.Filter{
		Stage:  stage,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := listResponse{
		Sessions: make([]sessionSummary, 0, len(sessions)),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, summarize(sess))
	}
	c.JSON(http.StatusOK, out)
}

// handleDeleteSession removes a session and its bus topic. A still-running
// session is cancelled first so its workflow stops doing work.
func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if s.engine.Active(id) {
		if _, err := s.engine.Cancel(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
	}
	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	s.bus.Forget(id)
	c.Status(http.StatusNoContent)
}

// handleHealth probes the LLM and search backends in parallel, bounded by
// probeTimeout each. Missing search credentials degrade, never fail.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	var llmOK, searchOK bool
	var wg sync.WaitGroup
	if s.llm != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			llmOK = s.llm.Available(ctx)
		}()
	}
	if s.search != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			searchOK = s.search.Available(ctx)
		}()
	}
	wg.Wait()

	status := "ok"
	if !llmOK {
		status = "degraded"
	}
	c.JSON(http.StatusOK, healthResponse{
		Status:          status,
		LLMAvailable:    llmOK,
		SearchAvailable: searchOK,
	})
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Newf(errors.KindInvalidInput, "%s must be an integer", name)
	}
	return n, nil
}
