package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/herdtrail/internal/metrics"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Watch       bool
	Refresh     bool
	MetricsAddr string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [asset-id...]",
		Short: "Push queued changes to the remote store",
		Long: `Deliver queued local changes to the remote store, merging or resolving
any that conflict with what other devices recorded.

With --refresh, remote copies of the named animals (every local animal when
none are named) are pulled afterwards. With --watch, sync keeps running:
it drains on the configured interval and expires overdue transfers until
interrupted.`,
		Example: `  herdtrail sync
  herdtrail sync --refresh KE-0042-117
  herdtrail sync --watch --metrics-addr :9464`,
		RunE: runE(rootOpts, func(cmd *cobra.Command, a *app, args []string) error {
			if opts.Watch {
				return runSyncWatch(cmd, a, opts)
			}
			return runSyncOnce(cmd, a, opts, args)
		}),
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "pull remote copies of animals after pushing")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")

	return cmd
}

func runSyncOnce(cmd *cobra.Command, a *app, opts *SyncOptions, assetIDs []string) error {
	ctx := cmd.Context()
	if len(assetIDs) > 0 && !opts.Refresh {
		return NewExitError(ExitCommandError, "asset ids are only accepted with --refresh")
	}
	r, err := a.reconciler(ctx)
	if err != nil {
		return err
	}

	rep, err := r.Drain(ctx)
	if err != nil {
		return operationError(cmd, opts.RootOptions, err)
	}
	view := newSyncView(rep)
	if opts.Refresh {
		if view.Refreshed, err = r.Refresh(ctx, assetIDs...); err != nil {
			return operationError(cmd, opts.RootOptions, err)
		}
	}
	if view.Pending, view.Dead, err = a.queue.Depth(ctx); err != nil {
		return operationError(cmd, opts.RootOptions, err)
	}
	return newFormatter(cmd, opts.RootOptions).Success(view)
}

func runSyncWatch(cmd *cobra.Command, a *app, opts *SyncOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := a.reconciler(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		return a.machine.RunSweeper(ctx, a.cfg.Transfer.SweepInterval)
	})
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, opts.MetricsAddr, a.registry, a.logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("sync stopped")
		return nil
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync stopped", err)
	}
	return nil
}
