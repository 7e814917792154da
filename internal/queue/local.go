package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
)

// Local is a buffered channel drained by a fixed set of workers. Jobs still
// buffered at shutdown are dropped; the sweeper fails their tasks.
type Local struct {
	handler Handler
	workers int
	jobs    chan engine.Job
	log     zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewLocal(h Handler, workers, buffer int, log zerolog.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Local{handler: h, workers: workers, jobs: make(chan engine.Job, buffer), log: log}
}

// Start launches the workers. They run until Stop or ctx is done.
func (q *Local) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.run(ctx, id)
		}(i)
	}
	q.log.Info().Int("workers", q.workers).Int("buffer", cap(q.jobs)).Msg("local queue started")
}

func (q *Local) run(ctx context.Context, worker int) {
	// In-flight jobs finish even after Stop.
	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			start := time.Now()
			if err := q.handler(jobCtx, job); err != nil {
				q.log.Error().Err(err).Int("worker", worker).Str("task_id", job.TaskID).Str("stage", string(job.Stage)).
					Msg("job failed")
				continue
			}
			q.log.Debug().Int("worker", worker).Str("task_id", job.TaskID).Str("stage", string(job.Stage)).
				Dur("elapsed", time.Since(start)).Msg("job done")
		}
	}
}

// Dispatch enqueues without blocking; a full buffer is reported as ErrFull.
func (q *Local) Dispatch(_ context.Context, job engine.Job) error {
	if err := validate(job); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

// Stop rejects new jobs and waits for running ones until ctx expires.
func (q *Local) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info().Int("dropped", len(q.jobs)).Msg("local queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
