package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
)

// allProjects is the subscription key receiving every event.
const allProjects = ""

// StreamManager handles active SSE connections.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- []byte]struct{} // ProjectID -> Set of Channels
	logger      *slog.Logger
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- []byte]struct{}),
		logger:      logging.NewNop(),
	}
}

// Subscribe registers a buffered channel for the events of one project, or
// of every project when projectID is empty.
func (sm *StreamManager) Subscribe(projectID string) (<-chan []byte, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan []byte, 32)
	if _, ok := sm.subscribers[projectID]; !ok {
		sm.subscribers[projectID] = make(map[chan<- []byte]struct{})
	}
	sm.subscribers[projectID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[projectID]; ok {
			if _, ok := subs[ch]; !ok {
				return
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, projectID)
			}
		}
	}
}

// eventPayload is the wire form of a store event.
type eventPayload struct {
	domain.Event
	Error string `json:"error,omitempty"`
}

// Broadcast never blocks: slow clients lose events.
func (sm *StreamManager) Broadcast(e domain.Event) {
	payload := eventPayload{Event: e}
	if e.Err != nil {
		payload.Error = e.Err.Error()
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		sm.logger.Warn("SSE: Failed to encode event", "event", string(e.Name), "err", err)
		return
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sm.send(allProjects, e, msg)
	if e.ProjectID != allProjects {
		sm.send(e.ProjectID, e, msg)
	}
}

func (sm *StreamManager) send(key string, e domain.Event, msg []byte) {
	for ch := range sm.subscribers[key] {
		select {
		case ch <- msg:
		default:
			sm.logger.Warn("SSE: Client buffer full, dropping event", "event", string(e.Name), "session_id", e.SessionID)
		}
	}
}

// Subscribers counts open streams.
func (sm *StreamManager) Subscribers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, subs := range sm.subscribers {
		n += len(subs)
	}
	return n
}

const keepAlive = 15 * time.Second

// SubscribeEvents handles the GET /events request (SSE).
// The optional project_id parameter narrows the stream to one project and
// the optional events parameter to a comma separated list of event names.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}
	if _, err := s.store(r.Context()); err != nil {
		s.fail(w, "events", err)
		return
	}

	projectID := r.URL.Query().Get("project_id")
	var names map[string]bool
	if raw := r.URL.Query().Get("events"); raw != "" {
		names = make(map[string]bool)
		for _, n := range strings.Split(raw, ",") {
			names[strings.TrimSpace(n)] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.Streams.Subscribe(projectID)
	defer cancel()
	s.logger.Info("SSE: Client subscribed", "project_id", projectID)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: Client disconnected", "project_id", projectID)
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if names != nil {
				var head struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(msg, &head); err == nil && !names[head.Name] {
					continue
				}
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
