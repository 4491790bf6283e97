package records

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/envutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// CourseRecord is one row of run history shown in the back-office listing.
type CourseRecord struct {
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	Difficulty  string    `json:"difficulty"`
	Status      Status    `json:"status"`
	CourseID    int64     `json:"course_id,omitempty"`
	Permalink   string    `json:"permalink,omitempty"`
	Error       string    `json:"error,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	TopicCount  int       `json:"topic_count,omitempty"`
	LessonCount int       `json:"lesson_count,omitempty"`
	QuizCount   int       `json:"quiz_count,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists run records as a single JSON file. The dataset is a short
// back-office history, not a query workload, so a file behind a mutex with
// atomic rename-on-write is the whole storage story.
type Store struct {
	log  *logger.Logger
	path string

	mu      sync.Mutex
	records []CourseRecord
}

func NewStore(log *logger.Logger) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	path := envutil.Str("COURSE_RECORDS_PATH", "data/course_records.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}

	s := &Store{
		log:  log.With("service", "RecordStore"),
		path: path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.log.Info("Record store ready", "path", path, "records", len(s.records))
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.records); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	return nil
}

// List returns records newest-first.
func (s *Store) List() []CourseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CourseRecord, len(s.records))
	copy(out, s.records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns the record for a run, if any.
func (s *Store) Get(runID string) (CourseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.RunID == runID {
			return r, true
		}
	}
	return CourseRecord{}, false
}

// Upsert inserts or replaces the record keyed by RunID and persists the file.
func (s *Store) Upsert(rec CourseRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run id required")
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.records {
		if s.records[i].RunID == rec.RunID {
			if rec.CreatedAt.After(s.records[i].CreatedAt) {
				rec.CreatedAt = s.records[i].CreatedAt
			}
			s.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.records = append(s.records, rec)
	}
	return s.persistLocked()
}

// persistLocked writes the full file via a temp file and rename so a crash
// mid-write never corrupts the history.
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace records: %w", err)
	}
	return nil
}
