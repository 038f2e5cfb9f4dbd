// Package jobs runs background work such as link enrichment on a bounded
// in-process worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/becomeliminal/runeai/core"
)

// State is the lifecycle stage of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Done reports whether s is terminal.
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pool closed")

// Func is the work a job performs. ctx is cancelled by Cancel or when the
// pool shuts down.
type Func func(ctx context.Context) error

// Job is a snapshot of a submitted job.
type Job struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Err        string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Pool schedules jobs.
type Pool interface {
	Submit(subject string, fn Func) (*Job, error)
	Await(ctx context.Context, id string) (Job, error)
	Cancel(id string) bool
	Get(id string) (Job, bool)
	Close(ctx context.Context) error
}

type entry struct {
	job    Job
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// LocalPool runs jobs in goroutines, at most `workers` at a time. Jobs do
// not inherit the submitter's context.
type LocalPool struct {
	base     context.Context
	stop     context.CancelFunc
	sem      *semaphore.Weighted
	logger   *zap.Logger
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	active   map[string]*entry
	finished *lru.Cache[string, Job]
}

var _ Pool = (*LocalPool)(nil)

// NewLocalPool creates a pool with the given concurrency. retain bounds how
// many finished jobs stay visible to Get and Await.
func NewLocalPool(workers, retain int, logger *zap.Logger) (*LocalPool, error) {
	if workers < 1 {
		workers = 1
	}
	if retain < 1 {
		retain = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	finished, err := lru.New[string, Job](retain)
	if err != nil {
		return nil, fmt.Errorf("create job history: %w", err)
	}
	base, stop := context.WithCancel(context.Background())
	return &LocalPool{
		base:     base,
		stop:     stop,
		sem:      semaphore.NewWeighted(int64(workers)),
		logger:   logger,
		active:   make(map[string]*entry),
		finished: finished,
	}, nil
}

// Submit schedules fn and returns immediately.
func (p *LocalPool) Submit(subject string, fn Func) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(p.base)
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Subject:   subject,
			State:     StatePending,
			CreatedAt: time.Now().UTC(),
		},
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.active[e.job.ID] = e
	p.wg.Add(1)
	go p.run(e)

	job := e.job
	return &job, nil
}

func (p *LocalPool) run(e *entry) {
	defer p.wg.Done()
	defer e.cancel()

	if err := p.sem.Acquire(e.ctx, 1); err != nil {
		p.finish(e, err)
		return
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	e.job.State = StateRunning
	e.job.Attempts = 1
	e.job.StartedAt = time.Now().UTC()
	p.mu.Unlock()

	p.finish(e, p.call(e))
}

func (p *LocalPool) call(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return e.fn(e.ctx)
}

func (p *LocalPool) finish(e *entry, err error) {
	p.mu.Lock()
	switch {
	case err == nil:
		e.job.State = StateSucceeded
	case e.ctx.Err() != nil && errors.Is(err, e.ctx.Err()):
		e.job.State = StateCancelled
		e.job.Err = err.Error()
	default:
		e.job.State = StateFailed
		e.job.Err = err.Error()
	}
	e.job.FinishedAt = time.Now().UTC()
	delete(p.active, e.job.ID)
	p.finished.Add(e.job.ID, e.job)
	job := e.job
	p.mu.Unlock()
	close(e.done)

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("subject", job.Subject),
		zap.String("state", string(job.State)),
		zap.Duration("took", job.FinishedAt.Sub(job.CreatedAt)),
	}
	if job.State == StateFailed {
		p.logger.Warn("job failed", append(fields, zap.String("error", job.Err))...)
		return
	}
	p.logger.Debug("job finished", fields...)
}

// Get returns the current snapshot of a job.
func (p *LocalPool) Get(id string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.active[id]; ok {
		return e.job, true
	}
	return p.finished.Get(id)
}

// Await blocks until the job finishes or ctx is done.
func (p *LocalPool) Await(ctx context.Context, id string) (Job, error) {
	p.mu.Lock()
	e, ok := p.active[id]
	if !ok {
		job, found := p.finished.Get(id)
		p.mu.Unlock()
		if !found {
			return Job{}, fmt.Errorf("job %s: %w", id, core.ErrNotFound)
		}
		return job, nil
	}
	p.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.job, nil
}

// Cancel cancels a pending or running job. It reports whether the job was
// still active.
func (p *LocalPool) Cancel(id string) bool {
	p.mu.Lock()
	e, ok := p.active[id]
	p.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// Close stops accepting jobs and waits for running ones. If ctx ends
// first, remaining jobs are cancelled and ctx's error is returned after
// they exit.
func (p *LocalPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-drained
		return ctx.Err()
	}
}
