// Package queue executes engine jobs: synchronously, on an in-process
// worker pool, or through a NATS JetStream stream shared by several
// replicas.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
)

// Handler runs one job. Engine.Process satisfies it.
type Handler func(ctx context.Context, job engine.Job) error

var (
	ErrStopped   = errors.New("queue stopped")
	ErrFull      = errors.New("queue full")
	errNoHandler = errors.New("queue has no handler")
)

func validate(job engine.Job) error {
	if job.TaskID == "" {
		return fmt.Errorf("empty task id")
	}
	if job.Stage == "" {
		return fmt.Errorf("task %s: empty stage", job.TaskID)
	}
	return nil
}

// Encode serializes a job for transport.
func Encode(job engine.Job) ([]byte, error) {
	if err := validate(job); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

func Decode(data []byte) (engine.Job, error) {
	var job engine.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("decode job: %w", err)
	}
	return job, validate(job)
}

// Inline runs jobs on the caller's goroutine. Used by the CLI and tests.
type Inline struct {
	Handler Handler
}

func (q *Inline) Dispatch(ctx context.Context, job engine.Job) error {
	if err := validate(job); err != nil {
		return err
	}
	if q.Handler == nil {
		return errNoHandler
	}
	return q.Handler(ctx, job)
}
