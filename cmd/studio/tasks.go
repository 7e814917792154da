package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/app"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect and recover tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskEventsCmd())
	cmd.AddCommand(taskSweepCmd())
	cmd.AddCommand(taskRetryFailedCmd())
	cmd.AddCommand(statsCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, adminViewer(), f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, table.Row{t.ID, t.WorkflowKind, t.Status, deref(t.OwnerID), t.ChargedAmount, t.UpdatedAt})
				}
				return printJSONOrTable(tasks, table.Row{"ID", "Workflow", "Status", "Owner", "Charged", "Updated"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its shots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, adminViewer(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Task %s (%s, %s)\n", t.ID, t.WorkflowKind, t.Status)
				if t.Error != nil {
					fmt.Printf("Error: %s\n", *t.Error)
				}
				fmt.Printf("Owner: %s  Charged: %d  Revision: %d\n", deref(t.OwnerID), t.ChargedAmount, t.Revision)
				rows := make([]table.Row, 0, len(t.Shots))
				for _, s := range t.Shots {
					current := ""
					if s.CurrentVersionID != nil {
						current = fmt.Sprint(*s.CurrentVersionID)
					}
					rows = append(rows, table.Row{s.Index, s.ID, s.Type, s.RenderStatus, s.QCStatus, len(s.Versions), current})
				}
				return printJSONOrTable(t, table.Row{"#", "Shot", "Type", "Render", "QC", "Versions", "Current"}, rows)
			})
		},
	}
}

func taskEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show the event trail of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.TaskEvents(ctx, adminViewer(), args[0], n)
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

func printEvents(evts []domain.Event) error {
	rows := make([]table.Row, 0, len(evts))
	for _, e := range evts {
		rows = append(rows, table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
	}
	return printJSONOrTable(evts, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
}

func taskSweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail tasks stuck in a processing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d := olderThan
				if d <= 0 {
					d = a.Config.Sweep.Threshold
				}
				failed, err := a.Engine.SweepStuck(ctx, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"failed": failed})
				}
				fmt.Printf("failed %d stuck task(s)\n", len(failed))
				for _, id := range failed {
					fmt.Println(" ", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default sweep.threshold)")
	return cmd
}

func taskRetryFailedCmd() *cobra.Command {
	var shotID string
	cmd := &cobra.Command{
		Use:   "retry-failed <task-id>",
		Short: "Re-render the failed shots of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RetryFailedShots(ctx, adminViewer(), args[0], shotID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("task %s is %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&shotID, "shot", "", "retry only this shot")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				statuses := make([]string, 0, len(counts))
				for st := range counts {
					statuses = append(statuses, st)
				}
				sort.Strings(statuses)
				rows := make([]table.Row, 0, len(counts))
				for _, st := range statuses {
					rows = append(rows, table.Row{st, counts[st]})
				}
				return printJSONOrTable(counts, table.Row{"Status", "Tasks"}, rows)
			})
		},
	}
}
