package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/app"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
)

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Administer model credential profiles",
		Long: `Profiles hold a gateway, a model and a sealed secret for one kind (PLANNER or RENDERER).
Calls rotate over the ordered pool of a kind; when the pool is empty the primary serves alone.`,
	}
	cmd.AddCommand(profileListCmd())
	cmd.AddCommand(profileAddCmd())
	cmd.AddCommand(profileDisableCmd("disable", true))
	cmd.AddCommand(profileDisableCmd("enable", false))
	cmd.AddCommand(profileDeleteCmd())
	cmd.AddCommand(profilePoolCmd())
	cmd.AddCommand(profilePrimaryCmd())
	cmd.AddCommand(profileTestCmd())
	return cmd
}

func withKeys(ctx context.Context, fn func(context.Context, *keypool.Manager) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		keys, err := a.OpenKeys(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, keys)
	})
}

func parseKind(s string) (domain.ProfileKind, error) {
	k := domain.ProfileKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("kind must be PLANNER or RENDERER")
	}
	return k, nil
}

func profileListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				var k domain.ProfileKind
				if kind != "" {
					var err error
					if k, err = parseKind(kind); err != nil {
						return err
					}
				}
				items, err := keys.Profiles(ctx, k)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Kind, p.Name, p.Gateway, p.Model, p.Disabled})
				}
				return printJSONOrTable(items, table.Row{"ID", "Kind", "Name", "Gateway", "Model", "Disabled"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "PLANNER or RENDERER")
	return cmd
}

func profileAddCmd() *cobra.Command {
	var in keypool.ProfileInput
	var kind string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a profile (the secret is read from --secret or STUDIO_PROFILE_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			in.Kind = k
			if in.Secret == "" {
				in.Secret = viper.GetString("profile_secret")
			}
			if err := requireArg("secret", in.Secret); err != nil {
				return err
			}
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				p, err := keys.AddProfile(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("added %s profile %s (%s)\n", p.Kind, p.ID, p.Model)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "PLANNER or RENDERER")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Gateway, "gateway", "", "gateway base URL")
	cmd.Flags().StringVar(&in.Model, "model", "", "model identifier")
	cmd.Flags().StringVar(&in.Secret, "secret", "", "API key")
	return cmd
}

func profileDisableCmd(use string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <profile-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				if err := keys.SetDisabled(ctx, args[0], disabled); err != nil {
					return err
				}
				fmt.Printf("%s %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func profileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <profile-id>",
		Short: "Delete a profile that is not a primary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				if err := keys.DeleteProfile(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("%s deleted\n", args[0])
				return nil
			})
		},
	}
}

func profilePoolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool <kind> [profile-id...]",
		Short: "Replace the ordered pool of a kind (no ids clears it)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				if err := keys.SetPool(ctx, k, args[1:]); err != nil {
					return err
				}
				fmt.Printf("%s pool: %s\n", k, strings.Join(args[1:], ", "))
				return nil
			})
		},
	}
}

func profilePrimaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "primary <kind> <profile-id>",
		Short: "Set the fallback profile of a kind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				if err := keys.SetPrimary(ctx, k, args[1]); err != nil {
					return err
				}
				fmt.Printf("%s primary: %s\n", k, args[1])
				return nil
			})
		},
	}
}

func profileTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <profile-id>",
		Short: "Probe a profile without touching rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), func(ctx context.Context, keys *keypool.Manager) error {
				res, err := keys.Test(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.OK {
					return fmt.Errorf("probe failed after %s: %s", res.Latency, res.Error)
				}
				fmt.Printf("%s OK in %s\n", res.ProfileID, res.Latency)
				return nil
			})
		},
	}
}
