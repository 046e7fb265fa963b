package tuner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/kerneltune/internal/backend"
)

// Pool tunes one job on several devices at once. Each backend runs the
// sequential loop over configurations taken from a shared Queue, so every
// configuration is evaluated at most once. The merged report is in
// enumeration order regardless of which device finished first.
type Pool struct {
	tuners []*Tuner
	// template carries the run-wide options: limits, metrics and observer.
	template *Tuner
}

// NewPool builds one Tuner per backend, all sharing opts.
func NewPool(backends []backend.Backend, opts ...Option) *Pool {
	p := &Pool{template: New(nil, opts...)}
	for _, b := range backends {
		p.tuners = append(p.tuners, New(b, opts...))
	}
	return p
}

func (p *Pool) Len() int { return len(p.tuners) }

// Tune has the semantics of Tuner.Tune. A failing device stops the others;
// every device error is returned, joined.
func (p *Pool) Tune(ctx context.Context, job Job) (*Report, error) {
	if len(p.tuners) == 0 {
		return nil, fmt.Errorf("tuner pool has no backends")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	rep := newReport(job, p.tuners[0].b)
	names := make([]string, len(p.tuners))
	devices := make([]string, len(p.tuners))
	for i, t := range p.tuners {
		names[i] = t.b.Name()
		devices[i] = t.b.Info().Name
	}
	rep.Backend = strings.Join(names, ",")
	rep.Device = strings.Join(devices, ",")
	p.template.metrics.SpaceSize(job.Space.Size())

	q := NewQueue(job.Space.Valid(job.Restrictions...), p.template.maxConfigs, p.template.budget)
	defer q.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	emit := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		rep.add(ev)
		p.template.notify(ev)
	}

	errs := make([]error, len(p.tuners))
	var wg sync.WaitGroup
	for i, t := range p.tuners {
		wg.Go(func() {
			if err := t.work(ctx, job, q, emit); err != nil {
				errs[i] = fmt.Errorf("%s device %d: %w", t.b.Name(), t.b.Info().Ordinal, err)
				cancel()
			}
		})
	}
	wg.Wait()

	rep.finish(q.StopReason())
	return rep, errors.Join(errs...)
}
