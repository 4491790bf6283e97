package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/coursebuilder"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

// Stream is a single-run, single-subscriber SSE channel. The pipeline writes
// events through WriteEvent while ServeHTTP pumps them to the client; the
// channel closes after the run's terminal event.
type Stream struct {
	log    *logger.Logger
	events chan coursebuilder.ProgressEvent
}

func NewStream(log *logger.Logger) *Stream {
	return &Stream{
		log:    log.With("component", "SSEStream"),
		events: make(chan coursebuilder.ProgressEvent, 64),
	}
}

// WriteEvent implements coursebuilder.EventWriter. Non-terminal events are
// dropped rather than blocking the pipeline when the subscriber stops
// draining. The terminal event is never dropped: a full buffer sheds its
// oldest queued event to make room, so the client always sees complete/error
// before the channel closes. Safe because the stream has a single writer.
func (s *Stream) WriteEvent(ev coursebuilder.ProgressEvent) error {
	terminal := ev.Type == coursebuilder.EventError || ev.Type == coursebuilder.EventComplete
	if !terminal {
		select {
		case s.events <- ev:
			return nil
		default:
			return fmt.Errorf("subscriber buffer full, dropped %s event", ev.Type)
		}
	}

	for {
		select {
		case s.events <- ev:
			close(s.events)
			return nil
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("SSE subscriber disconnected", "err", ctx.Err())
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-s.events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("Failed to marshal SSE event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
