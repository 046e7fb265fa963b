package api

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/kerneltune/internal/tuner"
)

type tuningRecord struct {
	tuning Tuning
	job    tuner.Job
	opts   []tuner.Option
	// cancel is set while the tuning runs.
	cancel          context.CancelFunc
	cancelRequested bool
}

// TuningStore keeps tunings in memory for the lifetime of the process.
type TuningStore struct {
	mu      sync.Mutex
	tunings map[string]*tuningRecord
	order   []string
}

func NewTuningStore() *TuningStore {
	return &TuningStore{
		tunings: make(map[string]*tuningRecord),
	}
}

func (s *TuningStore) create(rec *tuningRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunings[rec.tuning.ID] = rec
	s.order = append(s.order, rec.tuning.ID)
}

// Get returns a snapshot of the tuning with id.
func (s *TuningStore) Get(id string) (Tuning, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tunings[id]
	if !ok {
		return Tuning{}, false
	}
	return rec.tuning, true
}

// List returns every tuning in submission order, without reports.
func (s *TuningStore) List() []Tuning {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tuning, 0, len(s.order))
	for _, id := range s.order {
		t := s.tunings[id].tuning
		t.Report = nil
		out = append(out, t)
	}
	return out
}

// update runs fn on the record under the store lock and returns the
// resulting snapshot.
func (s *TuningStore) update(id string, fn func(*tuningRecord)) (Tuning, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tunings[id]
	if !ok {
		return Tuning{}, false
	}
	fn(rec)
	return rec.tuning, true
}

func (s *TuningStore) ids(status Status) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(s.order), func(id string) bool {
		return s.tunings[id].tuning.Status != status
	})
}

func timePtr(t time.Time) *time.Time { return &t }
