package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/app"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/config"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "studio",
	Short: "Fashion studio task orchestrator",
	Long: `studio runs the fashion photo generation backend and administers it.
- Tasks: a brief plus reference images turned into planned shots and rendered versions.
- Workflows: legacy (plan, approve, render), direct (single prompt) and hero_storyboard (hero image first, then a storyboard).
- Credits: every render pass is charged up front and refunded when the whole pass fails.
- Profiles: planner and renderer credentials rotated round-robin, with cooldown on quota errors.
- Event log: every state change, readable with 'studio log tail' or forwarded by webhooks.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STUDIO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/.studio/studio.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded for administrative changes")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path})
			}
			fmt.Printf("Wrote %s. Set pool.secret_key and auth.jwt_secret before serving.\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true})
				}
				fmt.Println("schema up to date")
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration layers the built-in defaults, the workspace studio.yaml and STUDIO_* environment variables.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath())
			if err != nil {
				return err
			}
			redacted := *c
			redacted.Auth.JWTSecret = mask(redacted.Auth.JWTSecret)
			redacted.Pool.SecretKey = mask(redacted.Pool.SecretKey)
			redacted.Redis.Password = mask(redacted.Redis.Password)
			redacted.Storage.Minio.SecretAccessKey = mask(redacted.Storage.Minio.SecretAccessKey)
			redacted.Webhooks = make([]config.WebhookConfig, len(c.Webhooks))
			for i, hook := range c.Webhooks {
				hook.Secret = mask(hook.Secret)
				redacted.Webhooks[i] = hook
			}
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(redacted)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath())
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{
		ConfigPath: configPath(),
		Workspace:  viper.GetString("workspace"),
		LogOut:     os.Stderr,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withEngine runs fn with an engine wired for model calls, so commands
// that start work behave like the server. Jobs run inline.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		a.Config.Queue.Driver = "inline"
		if err := a.Wire(ctx); err != nil {
			return err
		}
		return fn(ctx, a.Engine)
	})
}

// adminViewer is the identity CLI commands act as.
func adminViewer() engine.Viewer {
	return engine.Viewer{UserID: viper.GetString("actor-id"), Admin: true}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func requireArg(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("--" + name + " required")
	}
	return nil
}
