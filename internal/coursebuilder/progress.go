package coursebuilder

import (
	"strings"
	"sync"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

type Step string

const (
	StepInit      Step = "init"
	StepRetrieval Step = "retrieval"
	StepSynthesis Step = "synthesis"
	StepImages    Step = "images"
	StepPublish   Step = "publish"
	StepFinalize  Step = "finalize"
)

// Fixed checkpoint schedule across the pipeline. Coarse-grained by design:
// these drive a human-readable progress bar, not telemetry.
const (
	ProgressInit          = 0
	ProgressRetrieval     = 10
	ProgressRetrievalDone = 20
	ProgressSynthesis     = 30
	ProgressSynthesisDone = 50
	ProgressPublish       = 60
	ProgressPublishDone   = 80
	ProgressFinalize      = 90
	ProgressComplete      = 100
)

type ProgressEvent struct {
	Type      EventType `json:"type"`
	Step      Step      `json:"step,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventWriter delivers one event to the run's single subscriber.
type EventWriter interface {
	WriteEvent(ev ProgressEvent) error
}

// ProgressSink is the pipeline's write side: one writer, one run, ordered
// events, monotonically non-decreasing progress.
type ProgressSink interface {
	Emit(step Step, progress int, message string)
	EmitStatus(step Step, message string)
	EmitError(message string)
	EmitComplete(payload any)
}

// ProgressStreamer binds a sink to one run. It must be closed by exactly one
// terminal event (complete or error); emitting after close is a programming
// error in the orchestrator, not a runtime condition.
type ProgressStreamer struct {
	log    *logger.Logger
	w      EventWriter
	mu     sync.Mutex
	last   int
	closed bool
}

func NewProgressStreamer(log *logger.Logger, w EventWriter) *ProgressStreamer {
	return &ProgressStreamer{
		log: log.With("component", "ProgressStreamer"),
		w:   w,
	}
}

func (s *ProgressStreamer) Emit(step Step, progress int, message string) {
	s.write(ProgressEvent{Type: EventProgress, Step: step, Progress: progress, Message: message})
}

func (s *ProgressStreamer) EmitStatus(step Step, message string) {
	s.write(ProgressEvent{Type: EventStatus, Step: step, Message: message})
}

func (s *ProgressStreamer) EmitError(message string) {
	s.writeTerminal(ProgressEvent{Type: EventError, Message: message})
}

func (s *ProgressStreamer) EmitComplete(payload any) {
	s.writeTerminal(ProgressEvent{Type: EventComplete, Progress: ProgressComplete, Payload: payload})
}

func (s *ProgressStreamer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ProgressStreamer) write(ev ProgressEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic("coursebuilder: emit on closed progress streamer")
	}
	if ev.Type == EventProgress {
		if ev.Progress < s.last {
			ev.Progress = s.last
		}
		if ev.Progress > 99 {
			ev.Progress = 99
		}
		s.last = ev.Progress
	} else {
		ev.Progress = s.last
	}
	if strings.TrimSpace(ev.Message) == "" && ev.Type == EventProgress {
		ev.Message = string(ev.Step)
	}
	ev.Timestamp = time.Now().UTC()
	w := s.w
	s.mu.Unlock()

	if err := w.WriteEvent(ev); err != nil {
		s.log.Debug("Progress event dropped", "type", ev.Type, "step", ev.Step, "error", err)
	}
}

func (s *ProgressStreamer) writeTerminal(ev ProgressEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic("coursebuilder: terminal emit on closed progress streamer")
	}
	s.closed = true
	if ev.Type == EventComplete {
		s.last = ProgressComplete
		ev.Progress = ProgressComplete
	} else {
		ev.Progress = s.last
	}
	ev.Timestamp = time.Now().UTC()
	w := s.w
	s.mu.Unlock()

	if err := w.WriteEvent(ev); err != nil {
		s.log.Debug("Terminal event dropped", "type", ev.Type, "error", err)
	}
}
