package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// handleSessionEvents serves the long-lived SSE stream for one session.
// Buffered events replay before live delivery, so reconnecting clients
// catch up on anything they missed.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe := s.registry.Get(sessionID).Subscribe()
	defer unsubscribe()

	s.orch.Touch(sessionID)

	connected := stream.Event{
		Type:      "connected",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      map[string]any{"protocol": "sse"},
	}
	writeSSE(w, connected)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(w, stream.Event{
				Type:      "heartbeat",
				SessionID: sessionID,
				Timestamp: time.Now(),
			})
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				// Stream torn down; the session.closed event (if any)
				// was already delivered.
				return
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.Type == stream.TypeSessionClosed {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event stream.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleSessionWebSocket is the WebSocket variant of the session stream
// for clients behind proxies that mishandle SSE.
func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx := r.Context()
	events, unsubscribe := s.registry.Get(sessionID).Subscribe()
	defer unsubscribe()

	s.orch.Touch(sessionID)

	connected := stream.Event{
		Type:      "connected",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      map[string]any{"protocol": "websocket"},
	}
	if err := wsjson.Write(ctx, conn, connected); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			hb := stream.Event{
				Type:      "heartbeat",
				SessionID: sessionID,
				Timestamp: time.Now(),
			}
			if err := wsjson.Write(ctx, conn, hb); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			if event.Type == stream.TypeSessionClosed {
				return
			}
		}
	}
}
