package coursebuilder

import (
	"testing"
)

type captureWriter struct {
	events []ProgressEvent
}

func (c *captureWriter) WriteEvent(ev ProgressEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestProgressMonotonic(t *testing.T) {
	w := &captureWriter{}
	s := NewProgressStreamer(testLogger(t), w)

	s.Emit(StepInit, 0, "start")
	s.Emit(StepRetrieval, 10, "retrieving")
	s.Emit(StepRetrieval, 5, "late event out of order")
	s.Emit(StepSynthesis, 30, "synthesizing")

	got := make([]int, 0, len(w.events))
	for _, ev := range w.events {
		got = append(got, ev.Progress)
	}
	want := []int{0, 10, 10, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress sequence %v, want %v", got, want)
		}
	}
}

func TestProgressCapsAtNinetyNineUntilComplete(t *testing.T) {
	w := &captureWriter{}
	s := NewProgressStreamer(testLogger(t), w)

	s.Emit(StepFinalize, 150, "overshoot")
	if w.events[0].Progress != 99 {
		t.Fatalf("non-terminal progress should cap at 99, got %d", w.events[0].Progress)
	}
	s.EmitComplete(map[string]any{"ok": true})
	last := w.events[len(w.events)-1]
	if last.Type != EventComplete || last.Progress != 100 {
		t.Fatalf("terminal event: %+v", last)
	}
}

func TestProgressStatusCarriesCurrentValue(t *testing.T) {
	w := &captureWriter{}
	s := NewProgressStreamer(testLogger(t), w)

	s.Emit(StepSynthesis, 40, "working")
	s.EmitStatus(StepSynthesis, "model produced fewer topics than requested")
	if ev := w.events[1]; ev.Type != EventStatus || ev.Progress != 40 {
		t.Fatalf("status event: %+v", ev)
	}
}

func TestProgressWriteAfterClosePanics(t *testing.T) {
	w := &captureWriter{}
	s := NewProgressStreamer(testLogger(t), w)
	s.EmitError("boom")

	if !s.Closed() {
		t.Fatalf("streamer should be closed after terminal event")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("emit after close must panic")
		}
	}()
	s.Emit(StepFinalize, 90, "too late")
}

func TestProgressDoubleTerminalPanics(t *testing.T) {
	w := &captureWriter{}
	s := NewProgressStreamer(testLogger(t), w)
	s.EmitComplete(nil)

	defer func() {
		if recover() == nil {
			t.Fatalf("second terminal event must panic")
		}
	}()
	s.EmitError("boom")
}

func TestProgressErrorKeepsLastProgress(t *testing.T) {
	w := &captureWriter{}
	s := NewProgressStreamer(testLogger(t), w)

	s.Emit(StepPublish, 60, "publishing")
	s.EmitError("lms down")
	last := w.events[len(w.events)-1]
	if last.Type != EventError || last.Progress != 60 {
		t.Fatalf("error event should keep progress at 60: %+v", last)
	}
}
