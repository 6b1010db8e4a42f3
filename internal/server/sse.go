package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/events"
)

// eventBuffer bounds the events queued for one slow stream. Events beyond it
// are dropped for that client.
const eventBuffer = 64

// heartbeatInterval keeps idle streams open through proxies.
var heartbeatInterval = 30 * time.Second

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends an SSE comment line, which clients ignore.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// handleEvents streams bus events. run_id narrows to one run, workflow_id to
// one workflow; with neither every event is sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel := events.AllChannel
	q := r.URL.Query()
	switch {
	case q.Get("run_id") != "":
		id, err := uuid.Parse(q.Get("run_id"))
		if err != nil {
			s.writeError(w, r, &ErrValidation{Field: "run_id", Message: "must be a UUID"})
			return
		}
		channel = events.RunChannel(id)
	case q.Get("workflow_id") != "":
		id, err := uuid.Parse(q.Get("workflow_id"))
		if err != nil {
			s.writeError(w, r, &ErrValidation{Field: "workflow_id", Message: "must be a UUID"})
			return
		}
		channel = events.WorkflowChannel(id)
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := make(chan *events.Event, eventBuffer)
	unsubscribe := s.events.Subscribe(channel, func(evt *events.Event) {
		select {
		case ch <- evt:
		default:
			s.logger.Warnw("dropping event for slow stream", "channel", channel, "type", evt.Type)
		}
	})
	defer unsubscribe()

	w.WriteHeader(http.StatusOK)
	if err := sse.WriteComment("subscribed " + channel); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if err := sse.WriteEvent(evt.Type, evt); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		}
	}
}
