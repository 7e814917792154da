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
)

func creditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust credit balances",
		Long:  "Every balance change is a ledger entry; 'verify' recomputes balances from the ledger and reports drift.",
	}
	cmd.AddCommand(creditsBalanceCmd())
	cmd.AddCommand(creditsLedgerCmd())
	cmd.AddCommand(creditsAdjustCmd("grant", domain.TransactionEarn, "Add credits to a user"))
	cmd.AddCommand(creditsAdjustCmd("deduct", domain.TransactionSpend, "Remove credits from a user"))
	cmd.AddCommand(creditsVerifyCmd())
	return cmd
}

func creditsBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bal, err := a.Engine.Billing.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": args[0], "balance": bal})
				}
				fmt.Printf("%s: %d\n", args[0], bal)
				return nil
			})
		},
	}
}

func creditsLedgerCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "ledger <user-id>",
		Short: "Show a user's ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Billing.Ledger(ctx, args[0], n)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, tx := range items {
					rows = append(rows, table.Row{tx.CreatedAt, tx.Type, tx.Amount, tx.BalanceAfter, tx.Reason, deref(tx.RelatedTaskID), tx.Note})
				}
				return printJSONOrTable(items, table.Row{"TS", "Type", "Amount", "Balance", "Reason", "Task", "Note"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func creditsAdjustCmd(use string, typ domain.TransactionType, short string) *cobra.Command {
	var amount int64
	var note string
	cmd := &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tx, err := a.Engine.Billing.Adjust(ctx, viper.GetString("actor-id"), args[0], typ, amount, strings.TrimSpace(note))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tx)
				}
				fmt.Printf("%s %s %d, balance %d\n", tx.UserID, strings.ToLower(string(tx.Type)), tx.Amount, tx.BalanceAfter)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits")
	cmd.Flags().StringVar(&note, "note", "", "note stored on the ledger entry")
	return cmd
}

func creditsVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every balance against its ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mismatches, err := a.Engine.Billing.Verify(ctx)
				if err != nil {
					return err
				}
				if len(mismatches) == 0 && !viper.GetBool("json") {
					fmt.Println("ledger consistent")
					return nil
				}
				rows := make([]table.Row, 0, len(mismatches))
				for _, m := range mismatches {
					rows = append(rows, table.Row{m.UserID, m.Balance, m.LedgerSum, m.Reason})
				}
				if err := printJSONOrTable(mismatches, table.Row{"User", "Balance", "Ledger", "Reason"}, rows); err != nil {
					return err
				}
				if len(mismatches) > 0 {
					return fmt.Errorf("%d ledger mismatch(es)", len(mismatches))
				}
				return nil
			})
		},
	}
}
