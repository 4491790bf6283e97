package records

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	t.Setenv("COURSE_RECORDS_PATH", filepath.Join(dir, "records.json"))
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store, err := NewStore(log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreUpsertAndGet(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	rec := CourseRecord{RunID: "run-1", Title: "Ladder Safety", Status: StatusRunning}
	if err := store.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok := store.Get("run-1")
	if !ok {
		t.Fatalf("record not found")
	}
	if got.Status != StatusRunning || got.CreatedAt.IsZero() {
		t.Fatalf("record: %+v", got)
	}

	rec.Status = StatusComplete
	rec.CourseID = 42
	if err := store.Upsert(rec); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, _ = store.Get("run-1")
	if got.Status != StatusComplete || got.CourseID != 42 {
		t.Fatalf("update lost: %+v", got)
	}
	if len(store.List()) != 1 {
		t.Fatalf("upsert should replace, not append")
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	older := CourseRecord{RunID: "a", Title: "First", CreatedAt: time.Now().Add(-time.Hour)}
	newer := CourseRecord{RunID: "b", Title: "Second", CreatedAt: time.Now()}
	if err := store.Upsert(older); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(newer); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	list := store.List()
	if len(list) != 2 || list[0].RunID != "b" {
		t.Fatalf("list order: %+v", list)
	}
}

func TestStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	if err := store.Upsert(CourseRecord{RunID: "persist", Title: "Kept", Status: StatusComplete}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reloaded := newTestStore(t, dir)
	got, ok := reloaded.Get("persist")
	if !ok || got.Title != "Kept" {
		t.Fatalf("record did not survive reload: %+v ok=%v", got, ok)
	}

	// No stray temp file left behind.
	if _, err := os.Stat(filepath.Join(dir, "records.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestStoreRejectsEmptyRunID(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	if err := store.Upsert(CourseRecord{Title: "nameless"}); err == nil {
		t.Fatalf("empty run id must be rejected")
	}
}
