package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/app"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/server"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users and their credentials"}
	cmd.AddCommand(userAdminCmd())
	cmd.AddCommand(userAPIKeyCmd())
	return cmd
}

func userAdminCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "admin <user-id>",
		Short: "Grant or revoke the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := a.Engine.Repo
				if err := r.EnsureUser(ctx, nil, args[0], repo.FormatTime(time.Now())); err != nil {
					return err
				}
				if err := r.SetUserAdmin(ctx, args[0], !revoke); err != nil {
					return err
				}
				fmt.Printf("%s admin=%t\n", args[0], !revoke)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "remove the role instead")
	return cmd
}

func userAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "api-key <user-id>",
		Short: "Issue an API key; the plaintext is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := server.IssueAPIKey(ctx, a.Engine.Repo, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.APIKeyResponse{ID: key.ID, UserID: key.UserID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt})
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Read the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter, e.g. "+events.CreditRefunded)
	return cmd
}

func tokenCmd() *cobra.Command {
	var admin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d := ttl
				if d <= 0 {
					d = a.Config.Auth.TokenTTL
				}
				tok, err := server.SignToken(a.Config.Auth.JWTSecret, args[0], admin, d)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "include the admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (default auth.token_ttl)")
	return cmd
}
