package tuner

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/samcharles93/kerneltune/internal/space"
)

// Stop reasons recorded on partial reports.
const (
	StopCancelled  = "cancelled"
	StopMaxConfigs = "max configs reached"
	StopBudget     = "time budget exhausted"
	StopFailure    = "backend failure"
)

// Queue hands out configurations to workers at most once, tagging each with
// its position in the enumeration. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	next     func() (space.Config, bool)
	stop     func()
	seq      int
	limit    int
	deadline time.Time
	reason   string
	done     bool
}

// NewQueue wraps configs. maxConfigs and budget bound how many
// configurations are handed out and for how long; zero disables either.
func NewQueue(configs iter.Seq[space.Config], maxConfigs int, budget time.Duration) *Queue {
	next, stop := iter.Pull(configs)
	q := &Queue{next: next, stop: stop, limit: maxConfigs}
	if budget > 0 {
		q.deadline = time.Now().Add(budget)
	}
	return q
}

// Next returns the next configuration and its sequence number. It returns
// false once the configurations are exhausted or the queue was stopped.
func (q *Queue) Next(ctx context.Context) (int, space.Config, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return 0, space.Config{}, false
	}
	if ctx.Err() != nil {
		q.halt(StopCancelled)
		return 0, space.Config{}, false
	}
	cfg, ok := q.next()
	switch {
	case !ok:
		q.halt("")
	case q.limit > 0 && q.seq >= q.limit:
		q.halt(StopMaxConfigs)
	case !q.deadline.IsZero() && !time.Now().Before(q.deadline):
		q.halt(StopBudget)
	}
	if q.done {
		return 0, space.Config{}, false
	}
	seq := q.seq
	q.seq++
	return seq, cfg, true
}

// Cancelled stops the queue because the context of a worker ended.
func (q *Queue) Cancelled() { q.Abort(StopCancelled) }

// Abort stops the queue; remaining configurations are not handed out.
func (q *Queue) Abort(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.done {
		q.halt(reason)
	}
}

// StopReason is empty when every configuration was handed out.
func (q *Queue) StopReason() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}

// Handed returns how many configurations were handed out.
func (q *Queue) Handed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

func (q *Queue) Close() {
	q.Abort("")
}

func (q *Queue) halt(reason string) {
	q.done = true
	q.reason = reason
	q.stop()
}
