package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
)

type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
	Workers int
	// AckWait bounds one job; it must exceed the slowest render pass.
	AckWait time.Duration
}

// NATS publishes jobs to a JetStream stream and consumes them with a
// durable pull consumer, so any replica may run any job.
type NATS struct {
	cfg     NATSConfig
	nc      *nats.Conn
	js      nats.JetStreamContext
	handler Handler
	log     zerolog.Logger

	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Connect(cfg NATSConfig, h Handler, log zerolog.Logger) (*NATS, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 10 * time.Minute
	}
	if cfg.Durable == "" {
		cfg.Durable = "studio-workers"
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("studio"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("jetstream add stream: %w", err)
	}
	return &NATS{cfg: cfg, nc: nc, js: js, handler: h, log: log}, nil
}

func (q *NATS) Dispatch(ctx context.Context, job engine.Job) error {
	data, err := Encode(job)
	if err != nil {
		return err
	}
	ack, err := q.js.PublishMsg(&nats.Msg{Subject: q.cfg.Subject, Data: data}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish job %s/%s: %w", job.TaskID, job.Stage, err)
	}
	q.log.Debug().Str("task_id", job.TaskID).Str("stage", string(job.Stage)).Str("stream", ack.Stream).
		Uint64("seq", ack.Sequence).Msg("job published")
	return nil
}

// Start binds the durable consumer and launches the workers.
func (q *NATS) Start(ctx context.Context) error {
	_, err := q.js.AddConsumer(q.cfg.Stream, &nats.ConsumerConfig{
		Durable:       q.cfg.Durable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		FilterSubject: q.cfg.Subject,
		MaxAckPending: q.cfg.Workers * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("jetstream add consumer: %w", err)
	}
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable, nats.Bind(q.cfg.Stream, q.cfg.Durable))
	if err != nil {
		return fmt.Errorf("jetstream pull subscribe: %w", err)
	}
	q.sub = sub
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.run(ctx, id)
		}(i)
	}
	q.log.Info().Int("workers", q.cfg.Workers).Str("subject", q.cfg.Subject).Msg("nats queue started")
	return nil
}

func (q *NATS) run(ctx context.Context, worker int) {
	jobCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := q.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			q.log.Warn().Err(err).Int("worker", worker).Msg("nats fetch")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			q.handle(jobCtx, worker, msg)
		}
	}
}

func (q *NATS) handle(ctx context.Context, worker int, msg *nats.Msg) {
	job, err := Decode(msg.Data)
	if err != nil {
		// Poison message; redelivery cannot fix it.
		q.log.Error().Err(err).Int("worker", worker).Msg("drop undecodable job")
		_ = msg.Term()
		return
	}
	if err := q.handler(ctx, job); err != nil {
		q.log.Error().Err(err).Int("worker", worker).Str("task_id", job.TaskID).Str("stage", string(job.Stage)).
			Msg("job failed, redelivering")
		_ = msg.NakWithDelay(5 * time.Second)
		return
	}
	if err := msg.Ack(); err != nil {
		q.log.Warn().Err(err).Str("task_id", job.TaskID).Msg("nats ack")
	}
}

// Stop ends the workers, waits for in-flight jobs until ctx expires, then
// drains the subscription and closes the connection.
func (q *NATS) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if q.sub != nil {
		if derr := q.sub.Drain(); derr != nil {
			q.log.Warn().Err(derr).Msg("nats drain")
		}
	}
	q.nc.Close()
	q.log.Info().Msg("nats queue stopped")
	return err
}
