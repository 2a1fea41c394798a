package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcman/pkg/logx"
)

// record is the wire shape of one persisted task. last_run is a single
// ISO-8601 string; the parsed time lives only in memory.
type record struct {
	ID        int64   `json:"id"`
	Type      string  `json:"type"`
	Server    string  `json:"server"`
	Frequency string  `json:"frequency"`
	Time      *string `json:"time,omitempty"`
	Enabled   bool    `json:"enabled"`
	LastRun   *string `json:"last_run,omitempty"`
}

// Store persists the ordered task list to a JSON file.
//
// Load is tolerant: a missing, unreadable, or wrong-shaped file yields an
// empty list with a logged warning, never an error. Save failures are
// reported to the caller for logging but carry no further consequence.
type Store struct {
	path string
	log  logx.Logger
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// Load reads the persisted task list.
func (s *Store) Load() []Task {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Warn("schedule file absent, starting empty", logx.String("path", s.path))
		} else {
			s.log.Warn("schedule file unreadable, starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return nil
	}
	var recs []record
	if err := json.Unmarshal(b, &recs); err != nil {
		s.log.Warn("schedule file is not a task array, starting empty", logx.String("path", s.path), logx.Err(err))
		return nil
	}
	tasks := make([]Task, 0, len(recs))
	for _, r := range recs {
		t, err := r.task()
		if err != nil {
			s.log.Warn("dropping malformed task record", logx.Int64("id", r.ID), logx.Err(err))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Save writes the full list atomically (tmp + rename).
func (s *Store) Save(tasks []Task) error {
	recs := make([]record, 0, len(tasks))
	for _, t := range tasks {
		recs = append(recs, toRecord(t))
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func toRecord(t Task) record {
	r := record{
		ID:        t.ID,
		Type:      t.Type.String(),
		Server:    t.Server,
		Frequency: t.Frequency.String(),
		Enabled:   t.Enabled,
	}
	if t.Frequency.Kind != Hourly {
		at := t.At.String()
		r.Time = &at
	}
	if !t.LastRun.IsZero() {
		lr := t.LastRun.Format(time.RFC3339)
		r.LastRun = &lr
	}
	return r
}

func (r record) task() (Task, error) {
	typ, err := ParseType(r.Type)
	if err != nil {
		return Task{}, err
	}
	freq, err := ParseFrequency(r.Frequency)
	if err != nil {
		return Task{}, err
	}
	var at *ClockTime
	if r.Time != nil {
		ct, err := ParseClockTime(*r.Time)
		if err != nil {
			return Task{}, err
		}
		at = &ct
	}
	t, err := NewTask(r.ID, typ, r.Server, freq, at)
	if err != nil {
		return Task{}, err
	}
	t.Enabled = r.Enabled
	if r.LastRun != nil && *r.LastRun != "" {
		lr, err := time.Parse(time.RFC3339, *r.LastRun)
		if err != nil {
			return Task{}, fmt.Errorf("invalid last_run: %w", err)
		}
		t.LastRun = lr
	}
	return t, nil
}
