package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/app"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/server"
)

const shutdownGrace = 30 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job workers, sweeper and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.Config.Server.Addr = addr
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (STUDIO_AUTH_JWT_SECRET)")
	}
	if err := a.Wire(ctx); err != nil {
		return err
	}
	handler, err := server.New(server.Config{
		Engine: a.Engine,
		Keys:   a.Keys,
		Auth:   server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, AllowAnonymous: cfg.Auth.AllowAnonymous},
		Log:    a.Log.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	if err := a.StartWorkers(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info().Str("addr", srv.Addr).Str("docs", cfg.Server.PublicURL+"/v1/docs").Msg("serving studio API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.Engine.RunSweeper(gctx, a.SweepInterval(), cfg.Sweep.Threshold)
		return nil
	})
	g.Go(func() error {
		a.Webhooks.Run(gctx, 0)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		herr := srv.Shutdown(shutdownCtx)
		werr := a.StopWorkers(shutdownCtx)
		a.Log.Info().Msg("studio stopped")
		return errors.Join(herr, werr)
	})
	return g.Wait()
}
