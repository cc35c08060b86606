package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deepresearch/internal/bus"
	"deepresearch/internal/session"
)

const (
	// wsWriteWait bounds each outbound frame.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at wsPingPeriod to keep it alive.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	wsMaxMessageSize = 4096
)

// handleWebSocket streams a session's progress events. The subscriber first
// receives the current state (live replay, retained terminal, or a snapshot
// synthesized from the store after a restart), then live events until the
// terminal event or disconnect.
func (s *Server) handleWebSocket(c *gin.Context) {
	id := c.Param("session_id")
	sess, err := s.store.Load(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		s.logger.Warn("websocket upgrade for session %s: %v", id, err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.bus.Subscribe(id, bus.DefaultCapacity)
	defer s.bus.Unsubscribe(sub)

	// A fresh process has no bus state for old sessions; replay what the
	// store remembers instead.
	if _, live := s.bus.Snapshot(id); !live {
		if err := writeEvent(conn, snapshotEvent(sess)); err != nil {
			return
		}
		if sess.Stage.Terminal() {
			closeNormally(conn)
			return
		}
	}

	// Reader: the client sends nothing we care about, but reads drive the
	// pong handler and surface disconnects.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		conn.SetReadLimit(wsMaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Topic retired after its terminal event.
				closeNormally(conn)
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Type.Terminal() {
				closeNormally(conn)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-disconnected:
			return
		case <-s.ctx.Done():
			closeNormally(conn)
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev bus.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// snapshotEvent reconstructs the current-state event for a session the bus no
// longer remembers, typically after a process restart.
func snapshotEvent(sess *session.Session) bus.Event {
	ev := bus.Event{
		SessionID: sess.ID,
		Type:      bus.EventProgress,
		Stage:     sess.Stage,
		Progress:  sess.Progress,
		Timestamp: time.Now().UTC(),
		Detail:    "replay",
	}
	switch sess.Stage {
	case session.StageCompleted:
		ev.Type = bus.EventComplete
		ev.Detail = "research complete"
	case session.StageFailed:
		ev.Type = bus.EventError
		if sess.LastError != nil {
			ev.Error = &bus.ErrorInfo{Kind: sess.LastError.Kind, Message: sess.LastError.Message}
		}
	}
	return ev
}
