// Package stream provides per-session event multiplexing for the
// co-authoring engine. Each session owns one SessionEventStream that
// fans events out to any number of subscribers and keeps a bounded
// replay buffer so reconnecting clients catch up before going live.
package stream

import (
	"sync"
	"time"
)

// Event types emitted over a session stream.
const (
	TypeProgress          = "progress"
	TypeToken             = "token"
	TypeProposalReady     = "proposal.ready"
	TypeState             = "state"
	TypeError             = "error"
	TypeAnalysisCompleted = "analysis.completed"
	TypeSessionClosed     = "session.closed"
)

// Event is one message on a session stream. Sequence is set only for
// sequenced progress events; zero means unsequenced pass-through.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Sequence  int            `json:"sequence,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SessionEventStream fans out events for one session. Publish never
// blocks; slow subscribers drop events rather than stalling the run.
type SessionEventStream struct {
	mu          sync.Mutex
	sessionID   string
	subscribers map[chan Event]struct{}
	replay      []Event
	replayMax   int
	closed      bool
}

func newSessionEventStream(sessionID string, replayMax int) *SessionEventStream {
	return &SessionEventStream{
		sessionID:   sessionID,
		subscribers: make(map[chan Event]struct{}),
		replayMax:   replayMax,
	}
}

// SessionID returns the owning session.
func (s *SessionEventStream) SessionID() string {
	return s.sessionID
}

// Publish records the event in the replay buffer and delivers it to all
// current subscribers. Events published after Close are discarded.
func (s *SessionEventStream) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.SessionID = s.sessionID

	s.replay = append(s.replay, event)
	if len(s.replay) > s.replayMax {
		s.replay = s.replay[len(s.replay)-s.replayMax:]
	}

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Drop for subscribers that cannot keep up; the replay
			// buffer lets them recover on reconnect.
		}
	}
}

// Subscribe returns a channel pre-loaded with the replay buffer,
// followed by live events, plus a cleanup func. On a closed stream the
// returned channel is already closed.
func (s *SessionEventStream) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}

	ch := make(chan Event, s.replayMax+64)
	for _, event := range s.replay {
		ch <- event
	}
	s.subscribers[ch] = struct{}{}

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close flushes a final session.closed event to subscribers and shuts
// the stream down. Idempotent.
func (s *SessionEventStream) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	final := Event{
		Type:      TypeSessionClosed,
		SessionID: s.sessionID,
		Timestamp: time.Now(),
		Data:      map[string]any{"reason": reason},
	}
	for ch := range s.subscribers {
		select {
		case ch <- final:
		default:
		}
		close(ch)
		delete(s.subscribers, ch)
	}
}

// Registry creates session streams lazily and disposes them on teardown.
type Registry struct {
	mu        sync.Mutex
	streams   map[string]*SessionEventStream
	replayMax int
}

// NewRegistry creates a registry whose streams buffer replayMax events.
func NewRegistry(replayMax int) *Registry {
	if replayMax < 1 {
		replayMax = 1
	}
	return &Registry{
		streams:   make(map[string]*SessionEventStream),
		replayMax: replayMax,
	}
}

// Get returns the stream for sessionID, creating it if needed.
func (r *Registry) Get(sessionID string) *SessionEventStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[sessionID]; ok {
		return s
	}
	s := newSessionEventStream(sessionID, r.replayMax)
	r.streams[sessionID] = s
	return s
}

// Lookup returns the stream for sessionID without creating one.
func (r *Registry) Lookup(sessionID string) (*SessionEventStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[sessionID]
	return s, ok
}

// Close tears down sessionID's stream, flushing session.closed to any
// connected subscriber. Safe to call for unknown sessions.
func (r *Registry) Close(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.streams[sessionID]
	if ok {
		delete(r.streams, sessionID)
	}
	r.mu.Unlock()

	if ok {
		s.Close(reason)
	}
}

// CloseAll tears down every stream. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	streams := make([]*SessionEventStream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.streams = make(map[string]*SessionEventStream)
	r.mu.Unlock()

	for _, s := range streams {
		s.Close(reason)
	}
}

// Len reports the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
