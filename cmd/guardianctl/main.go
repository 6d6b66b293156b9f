package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/mail-guardian/internal/app"
	"github.com/jwalitptl/mail-guardian/internal/config"
	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "guardianctl",
		Short:         "Operate the mail guardian from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		runOnceCmd(),
		analyzeCmd(),
		safeModeCmd(),
		retryCmd(),
		retentionCmd(),
	)
	return root
}

// withApp loads configuration, builds the application and closes it after fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.NewLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func runOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run one guardian daemon cycle across every active tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, a.Daemon.RunOnce(ctx))
			})
		},
	}
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [tenant-id]",
		Short: "Score tenant risk; scores every active tenant when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 0 {
					snaps, err := a.Scorer.AnalyzeAllTenants(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, snaps)
				}
				tenantID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid tenant id: %w", err)
				}
				snap, err := a.Scorer.AnalyzeTenant(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(cmd, snap)
			})
		},
	}
}

func safeModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safe-mode",
		Short: "Inspect or change a tenant's safe mode",
	}

	status := &cobra.Command{
		Use:  "status <tenant-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				solin := a.Guardians.For(tenantID).Solin
				enabled, err := solin.SafeModeState(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{
					"tenant_id": tenantID,
					"enabled":   enabled,
					"reason":    solin.Reason(),
				})
			})
		},
	}

	var reason string
	toggle := func(use string, enable bool) *cobra.Command {
		c := &cobra.Command{
			Use:  use + " <tenant-id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tenantID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid tenant id: %w", err)
				}
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					solin := a.Guardians.For(tenantID).Solin
					if enable {
						return solin.ActivateSafeMode(ctx, reason, model.JSONMap{"source": "guardianctl"})
					}
					return solin.DeactivateSafeMode(ctx, reason)
				})
			},
		}
		c.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
		_ = c.MarkFlagRequired("reason")
		return c
	}

	cmd.AddCommand(status, toggle("on", true), toggle("off", false))
	return cmd
}

func retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect the retry queue",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:  "list <tenant-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Retries.List(ctx, model.RetryFilter{
					TenantID:   tenantID,
					Status:     model.RetryStatus(status),
					Pagination: model.Pagination{Limit: limit}.Normalize(200),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of items")

	cmd.AddCommand(list)
	return cmd
}

func retentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Purge expired fingerprints and audit rows once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg := a.Config.Retention
				return worker.NewRetentionWorker(
					a.Repos.Fingerprints,
					a.Repos.Audit,
					cfg.FingerprintDays,
					cfg.AuditDays,
					cfg.Interval,
					a.Log,
				).Cleanup(ctx)
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
