// Package app assembles a running studio from configuration: database,
// engine, key pool, model gateway, image storage, job queue and webhooks.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/config"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/db"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/gateway"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/logging"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/migrate"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/queue"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/webhook"
)

// ImagePath is the route prefix, under the API base path, that serves
// stored images.
const ImagePath = "/v1/images"

// Options select the config file and override where state lives.
type Options struct {
	ConfigPath string
	// Workspace overrides database.workspace when set.
	Workspace string
	LogOut    io.Writer
}

type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	DB       *sql.DB
	Engine   engine.Engine
	Keys     *keypool.Manager
	Webhooks *webhook.Dispatcher

	workspace string
	local     *queue.Local
	nats      *queue.NATS
	closers   []io.Closer
}

// Open loads configuration, opens and migrates the database and builds the
// engine's persistence and billing layers. Model, storage and queue wiring
// is left to Wire so offline commands stay cheap.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	workspace := cfg.Database.Workspace
	if opts.Workspace != "" {
		workspace = opts.Workspace
	}
	log, logCloser, err := logging.New(cfg.Logging, opts.LogOut)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, workspace: workspace, closers: []io.Closer{logCloser}}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		a.Close()
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Database.Path})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = conn
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("schema migrated")
	}
	a.Engine = engine.New(conn, cfg)
	a.Engine.Log = log.With().Str("component", "engine").Logger()
	return a, nil
}

// Workspace is the directory holding the database and local images.
func (a *App) Workspace() string { return a.workspace }

// OpenKeys builds the key pool manager. Rotation state lives in Redis when
// redis.addr is set, otherwise in process memory.
func (a *App) OpenKeys(ctx context.Context) (*keypool.Manager, error) {
	if a.Keys != nil {
		return a.Keys, nil
	}
	sealer, err := keypool.NewSealer(a.Config.Pool.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("pool.secret_key: %w", err)
	}
	mgr := &keypool.Manager{
		Store:    a.Engine.Repo,
		Sealer:   sealer,
		Cooldown: a.Config.Pool.Cooldown,
		Prober:   gateway.HTTPClient{HTTP: &http.Client{Timeout: a.Config.Planner.Timeout}},
		Audit:    a.Engine.Repo,
		Log:      a.Log.With().Str("component", "keypool").Logger(),
	}
	if addr := strings.TrimSpace(a.Config.Redis.Addr); addr != "" {
		client, err := keypool.NewRedisClient(ctx, addr, a.Config.Redis.Password, a.Config.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		mgr.Cursor = keypool.RedisCursor{Client: client, Prefix: a.Config.Redis.Prefix}
		mgr.Cooldowns = keypool.RedisCooldowns{Client: client, Prefix: a.Config.Redis.Prefix}
	} else {
		mgr.Cursor = &keypool.MemoryCursor{}
		mgr.Cooldowns = &keypool.MemoryCooldowns{}
	}
	a.Keys = mgr
	return mgr, nil
}

// Wire attaches model adapters, image storage, the job queue and the
// webhook dispatcher to the engine.
func (a *App) Wire(ctx context.Context) error {
	keys, err := a.OpenKeys(ctx)
	if err != nil {
		return err
	}
	client := gateway.HTTPClient{HTTP: &http.Client{}}
	a.Engine.Planner = gateway.PooledPlanner{
		Pool:    keys,
		Backend: client,
		Policy:  policy(a.Config.Planner),
		Log:     a.Log.With().Str("component", "planner").Logger(),
	}
	a.Engine.Renderer = gateway.PooledRenderer{
		Pool:    keys,
		Backend: client,
		Policy:  policy(a.Config.Renderer),
		Log:     a.Log.With().Str("component", "renderer").Logger(),
	}

	images, err := a.openImages(ctx)
	if err != nil {
		return err
	}
	a.Engine.Images = images

	if err := a.openQueue(); err != nil {
		return err
	}
	a.Webhooks = webhook.New(a.Engine.Repo, a.Config.Webhooks, a.Log)
	return nil
}

func policy(mc config.ModelCall) gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxAttempts: mc.MaxAttempts,
		Timeout:     mc.Timeout,
		Backoff:     mc.Backoff,
		MaxBackoff:  8 * mc.Backoff,
	}
}

func (a *App) openImages(ctx context.Context) (imagestore.Store, error) {
	switch a.Config.Storage.Driver {
	case "minio":
		return imagestore.NewMinioStore(ctx, a.Config.Storage.Minio)
	default:
		dir := a.Config.Storage.LocalDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(a.workspace, dir)
		}
		base := strings.TrimRight(a.Config.Server.PublicURL, "/") + ImagePath
		return imagestore.NewLocalStore(dir, base)
	}
}

// handle resolves the engine at call time so the queue can be built before
// the dispatcher is attached.
func (a *App) handle(ctx context.Context, job engine.Job) error {
	return a.Engine.Process(ctx, job)
}

func (a *App) openQueue() error {
	qc := a.Config.Queue
	log := a.Log.With().Str("component", "queue").Logger()
	switch qc.Driver {
	case "nats":
		q, err := queue.Connect(queue.NATSConfig{
			URL:     qc.NATS.URL,
			Stream:  qc.NATS.Stream,
			Subject: qc.NATS.Subject,
			Durable: qc.NATS.Durable,
			Workers: qc.Workers,
			AckWait: 2 * a.Config.Sweep.Threshold,
		}, a.handle, log)
		if err != nil {
			return err
		}
		a.nats = q
		a.Engine.Dispatcher = q
	case "local":
		q := queue.NewLocal(a.handle, qc.Workers, qc.Buffer, log)
		a.local = q
		a.Engine.Dispatcher = q
	default:
		a.Engine.Dispatcher = &queue.Inline{Handler: a.handle}
	}
	return nil
}

// StartWorkers begins consuming jobs. Inline queues need no workers.
func (a *App) StartWorkers(ctx context.Context) error {
	switch {
	case a.nats != nil:
		return a.nats.Start(ctx)
	case a.local != nil:
		a.local.Start(ctx)
	}
	return nil
}

// StopWorkers waits for in-flight jobs until ctx expires.
func (a *App) StopWorkers(ctx context.Context) error {
	switch {
	case a.nats != nil:
		return a.nats.Stop(ctx)
	case a.local != nil:
		return a.local.Stop(ctx)
	}
	return nil
}

// Close releases the database, Redis and the log file.
func (a *App) Close() error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// SweepInterval falls back to a minute when the configured interval is
// unset.
func (a *App) SweepInterval() time.Duration {
	if a.Config.Sweep.Interval > 0 {
		return a.Config.Sweep.Interval
	}
	return time.Minute
}
