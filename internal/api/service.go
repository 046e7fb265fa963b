package api

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/job"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/metrics"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

// TuningService runs submitted tunings one at a time, oldest first, on a
// single backend. The backend owns one device context, so tunings never
// overlap.
type TuningService struct {
	b       backend.Backend
	store   *TuningStore
	log     logger.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
	wake    chan struct{}
}

func NewTuningService(b backend.Backend, store *TuningStore, log logger.Logger, m *metrics.Metrics) *TuningService {
	if store == nil {
		store = NewTuningStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &TuningService{
		b:       b,
		store:   store,
		log:     log,
		metrics: m,
		clock:   time.Now,
		wake:    make(chan struct{}, 1),
	}
}

func (s *TuningService) Store() *TuningStore { return s.store }

// Submit validates spec and queues it. Jobs submitted over the network must
// be self-contained: file references are rejected.
func (s *TuningService) Submit(spec *job.Spec) (Tuning, error) {
	if spec == nil {
		return Tuning{}, newInvalidRequest("job is required")
	}
	if spec.Source != "" {
		return Tuning{}, newInvalidRequest("source files are not accepted, use source_inline")
	}
	for _, a := range spec.Args {
		if a.File != "" {
			return Tuning{}, newInvalidRequest(fmt.Sprintf("argument %s: file references are not accepted", a.Name))
		}
	}
	for _, a := range spec.Answer {
		if a.File != "" {
			return Tuning{}, newInvalidRequest(fmt.Sprintf("answer %s: file references are not accepted", a.Arg))
		}
	}
	spec.Log = s.log
	j, err := spec.Build()
	if err != nil {
		return Tuning{}, newInvalidRequest(err.Error())
	}
	opts, err := spec.Options()
	if err != nil {
		return Tuning{}, newInvalidRequest(err.Error())
	}

	rec := &tuningRecord{
		tuning: Tuning{
			ID:        newTuningID(),
			Object:    "tuning",
			Kernel:    j.KernelName,
			Status:    StatusQueued,
			CreatedAt: s.clock(),
			Progress:  Progress{SpaceSize: j.Space.Size()},
		},
		job:  j,
		opts: opts,
	}
	queued := rec.tuning
	s.store.create(rec)
	s.log.Info("tuning queued", "id", queued.ID, "kernel", j.KernelName, "space_size", j.Space.Size())

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return queued, nil
}

// Cancel stops a queued or running tuning. A running tuning keeps the
// partial report of the configurations it finished.
func (s *TuningService) Cancel(id string) (Tuning, error) {
	var err error
	t, ok := s.store.update(id, func(rec *tuningRecord) {
		switch rec.tuning.Status {
		case StatusQueued:
			rec.tuning.Status = StatusCancelled
			rec.tuning.CompletedAt = timePtr(s.clock())
		case StatusRunning:
			rec.cancelRequested = true
			if rec.cancel != nil {
				rec.cancel()
			}
		default:
			err = ErrFinished
		}
	})
	if !ok {
		return Tuning{}, ErrNotFound
	}
	return t, err
}

// Run processes queued tunings until ctx is done.
func (s *TuningService) Run(ctx context.Context) error {
	for {
		for _, id := range s.store.ids(StatusQueued) {
			if ctx.Err() != nil {
				break
			}
			s.run(ctx, id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *TuningService) run(ctx context.Context, id string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		j       tuner.Job
		opts    []tuner.Option
		claimed bool
	)
	s.store.update(id, func(rec *tuningRecord) {
		if rec.tuning.Status != StatusQueued {
			return
		}
		claimed = true
		j, opts = rec.job, rec.opts
		rec.cancel = cancel
		rec.tuning.Status = StatusRunning
		rec.tuning.StartedAt = timePtr(s.clock())
	})
	if !claimed {
		return
	}

	log := s.log.With("id", id, "kernel", j.KernelName)
	log.Info("tuning started")
	opts = append(slices.Clone(opts),
		tuner.WithLogger(log),
		tuner.WithMetrics(s.metrics),
		tuner.WithObserver(func(ev tuner.Event) {
			s.store.update(id, func(rec *tuningRecord) {
				if ev.Result != nil {
					rec.tuning.Progress.Benchmarked++
				} else {
					rec.tuning.Progress.Skipped++
				}
			})
		}),
	)
	rep, err := tuner.New(s.b, opts...).Tune(ctx, j)

	t, _ := s.store.update(id, func(rec *tuningRecord) {
		rec.cancel = nil
		rec.tuning.Report = rep
		rec.tuning.CompletedAt = timePtr(s.clock())
		switch {
		case err != nil:
			rec.tuning.Status = StatusFailed
			rec.tuning.Error = err.Error()
		case rec.cancelRequested || ctx.Err() != nil:
			rec.tuning.Status = StatusCancelled
		default:
			rec.tuning.Status = StatusCompleted
		}
	})
	if err != nil {
		log.Error("tuning failed", "error", err)
		return
	}
	log.Info("tuning finished", "status", t.Status, "benchmarked", t.Progress.Benchmarked, "skipped", t.Progress.Skipped)
}

func newTuningID() string {
	return "tune_" + uuid.NewString()
}
