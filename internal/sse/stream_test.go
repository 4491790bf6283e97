package sse

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atlas-safety/coursebuilder-backend/internal/coursebuilder"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestStreamDeliversEventsUntilTerminal(t *testing.T) {
	stream := NewStream(testLogger(t))

	if err := stream.WriteEvent(coursebuilder.ProgressEvent{Type: coursebuilder.EventProgress, Step: coursebuilder.StepRetrieval, Progress: 10, Message: "searching"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := stream.WriteEvent(coursebuilder.ProgressEvent{Type: coursebuilder.EventComplete, Progress: 100}); err != nil {
		t.Fatalf("WriteEvent terminal: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/courses", nil)
	stream.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") || !strings.Contains(body, `"message":"searching"`) {
		t.Fatalf("progress event missing from body: %q", body)
	}
	if !strings.Contains(body, "event: complete") {
		t.Fatalf("terminal event missing from body: %q", body)
	}
	// ServeHTTP must return after the terminal event, which it did if we got here.
}

func TestStreamDropsWhenBufferFull(t *testing.T) {
	stream := NewStream(testLogger(t))

	var dropErr error
	for i := 0; i < 100; i++ {
		if err := stream.WriteEvent(coursebuilder.ProgressEvent{Type: coursebuilder.EventProgress, Progress: i}); err != nil {
			dropErr = err
		}
	}
	if dropErr == nil {
		t.Fatalf("expected drops once the buffer filled")
	}
	// The terminal event must be delivered even with the buffer saturated.
	if err := stream.WriteEvent(coursebuilder.ProgressEvent{Type: coursebuilder.EventError, Message: "x"}); err != nil {
		t.Fatalf("terminal WriteEvent on full buffer: %v", err)
	}

	rec := httptest.NewRecorder()
	stream.ServeHTTP(rec, httptest.NewRequest("POST", "/api/courses", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") {
		t.Fatalf("buffered events should still flush: %q", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Fatalf("terminal event missing after buffer saturation: %q", body)
	}
}
