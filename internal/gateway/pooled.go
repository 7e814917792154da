package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
)

// Pool hands out credential profiles per call.
type Pool interface {
	Select(ctx context.Context, kind domain.ProfileKind) (keypool.Lease, error)
}

// RetryPolicy bounds automatic attempts of one logical call.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	if p.Backoff <= 0 {
		return ctx.Err()
	}
	d := p.Backoff << attempt
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// runner executes one logical call with profile rotation, per-attempt
// timeout and bounded retries. Credential failures fail over to the next
// profile; terminal failures stop immediately.
type runner struct {
	pool   Pool
	kind   domain.ProfileKind
	policy RetryPolicy
	log    zerolog.Logger
}

func (r runner) run(ctx context.Context, op string, call func(ctx context.Context, p domain.ModelProfile) error) error {
	var lastErr error
	attempts := r.policy.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		lease, err := r.pool.Select(ctx, r.kind)
		if err != nil {
			return err
		}
		callCtx := ctx
		cancel := func() {}
		if r.policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		err = call(callCtx, lease.Profile)
		cancel()
		lease.Release(err)
		if err == nil {
			if attempt > 0 {
				r.log.Info().Str("op", op).Str("profile_id", lease.Profile.ID).Int("attempt", attempt+1).
					Msg("model call succeeded after retry")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		class := ClassOf(err)
		r.log.Warn().Err(err).Str("op", op).Str("kind", string(r.kind)).Str("profile_id", lease.Profile.ID).
			Int("attempt", attempt+1).Str("class", class.String()).Msg("model call failed")
		if class == ClassTerminal {
			return err
		}
		lastErr = err
		if class == ClassCredential {
			continue
		}
		if attempt < attempts-1 {
			if err := r.policy.wait(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return &Error{Class: ClassTerminal, Message: fmt.Sprintf("%s failed after %d attempts: %v", op, attempts, lastErr), Err: fmt.Errorf("%w: %w", ErrExhausted, lastErr)}
}

// PooledPlanner is the Planner the orchestrator uses in production.
type PooledPlanner struct {
	Pool    Pool
	Backend PlannerBackend
	Policy  RetryPolicy
	Log     zerolog.Logger
}

func (p PooledPlanner) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	var out Plan
	r := runner{pool: p.Pool, kind: domain.KindPlanner, policy: p.Policy, log: p.Log}
	err := r.run(ctx, "plan", func(ctx context.Context, prof domain.ModelProfile) error {
		plan, err := p.Backend.Plan(ctx, prof, req)
		if err != nil {
			return err
		}
		if len(plan.Shots) == 0 {
			return ErrEmptyOutput
		}
		plan.ProfileID = prof.ID
		out = plan
		return nil
	})
	return out, err
}

type PooledRenderer struct {
	Pool    Pool
	Backend RendererBackend
	Policy  RetryPolicy
	Log     zerolog.Logger
}

func (p PooledRenderer) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	var out RenderResult
	r := runner{pool: p.Pool, kind: domain.KindRenderer, policy: p.Policy, log: p.Log}
	err := r.run(ctx, "render", func(ctx context.Context, prof domain.ModelProfile) error {
		res, err := p.Backend.Render(ctx, prof, req)
		if err != nil {
			return err
		}
		if len(res.Image) == 0 {
			return ErrEmptyOutput
		}
		res.ProfileID = prof.ID
		out = res
		return nil
	})
	return out, err
}
