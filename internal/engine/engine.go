package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/billing"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/config"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/gateway"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

// Stage names the asynchronous step a Job performs.
type Stage string

const (
	StagePlan       Stage = "plan"
	StageRender     Stage = "render"
	StageHero       Stage = "hero"
	StageStoryboard Stage = "storyboard"
)

// Job is one unit of background work for a task. Executing a job whose
// stage no longer matches the task status is a no-op, so redelivery is safe.
type Job struct {
	TaskID string `json:"task_id"`
	Stage  Stage  `json:"stage"`
}

// Dispatcher hands jobs to whatever executes Engine.Process.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Viewer is the caller an operation acts for.
type Viewer struct {
	UserID string
	Admin  bool
}

func (v Viewer) actor() string {
	if v.UserID == "" {
		return "anonymous"
	}
	return v.UserID
}

type Engine struct {
	DB                *sql.DB
	Repo              repo.Repo
	Events            events.Writer
	Billing           billing.Settlement
	Price             billing.PriceFunc
	Planner           gateway.Planner
	Renderer          gateway.Renderer
	Images            imagestore.Store
	Dispatcher        Dispatcher
	RenderConcurrency int
	Log               zerolog.Logger
	Now               func() time.Time
}

// New wires the persistence and billing layers from cfg. Model adapters,
// image storage and the dispatcher are set by the caller.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	ev := events.Writer{}
	price := billing.DefaultPriceTable()
	concurrency := 4
	if cfg != nil {
		price.BaseUnit = cfg.Pricing.BaseUnit
		for _, res := range []domain.Resolution{domain.Resolution1K, domain.Resolution2K, domain.Resolution4K} {
			if m, ok := cfg.Multiplier(string(res)); ok {
				price.Multipliers[res] = m
			}
		}
		concurrency = cfg.Render.Concurrency
	}
	return Engine{
		DB:                db,
		Repo:              r,
		Events:            ev,
		Billing:           billing.Settlement{Repo: r, Events: ev},
		Price:             price.Func(),
		RenderConcurrency: concurrency,
		Log:               zerolog.Nop(),
		Now:               time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return repo.FormatTime(e.now())
}

// inTx runs fn in a write transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) dispatch(ctx context.Context, taskID string, stage Stage) {
	if e.Dispatcher == nil {
		return
	}
	if err := e.Dispatcher.Dispatch(ctx, Job{TaskID: taskID, Stage: stage}); err != nil {
		// The sweeper fails the task once it goes stale.
		e.Log.Error().Err(err).Str("task_id", taskID).Str("stage", string(stage)).Msg("dispatch job")
	}
}
