package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/config"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/events/kafka"
	"github.com/roach88/herdtrail/internal/keys"
	"github.com/roach88/herdtrail/internal/metrics"
	"github.com/roach88/herdtrail/internal/reconcile"
	"github.com/roach88/herdtrail/internal/remote"
	"github.com/roach88/herdtrail/internal/remote/memory"
	"github.com/roach88/herdtrail/internal/remote/postgres"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/syncq"
	"github.com/roach88/herdtrail/internal/transfer"
	"github.com/roach88/herdtrail/internal/verify"
)

// app is the engine wired from the configuration for one command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	keys     *keys.Manager
	verifier *verify.Engine
	log      *changelog.Log
	queue    *syncq.Queue
	machine  *transfer.Machine
	hub      *events.Hub
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	hubDone chan struct{}
	closers []func()
}

// loadConfig reads the config file named by --config and applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.StorePath = opts.Database
	}
	return cfg, nil
}

// newLogger writes colored logs to w. --verbose lowers the level to debug.
func newLogger(w io.Writer, level slog.Level, verbose bool) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// openApp opens the local store and wires the engine around it. The remote
// store is not contacted; see reconciler.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Device.OwnerID == "" {
		return nil, NewExitError(ExitCommandError, "device owner is not configured: run herdtrail init --owner <id>")
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, opts.Verbose)
	ctx := cmd.Context()

	logger.Debug("opening database", "path", cfg.StorePath)
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	if err := st.CheckIntegrity(ctx); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "local store failed its integrity check", err)
	}

	a.keys, err = keys.NewManager(keys.Options{
		DeviceID:  cfg.Device.ID,
		OwnerID:   cfg.Device.OwnerID,
		Algorithm: cfg.Device.Algorithm,
		Directory: st,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to set up device key", err)
	}
	a.verifier, err = verify.New(a.keys, cfg.Verification, logger)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "invalid verification policy", err)
	}

	var sinks []events.Sink
	if cfg.KafkaEnabled() {
		sink, err := kafka.New(cfg.Kafka)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to set up kafka sink", err)
		}
		a.closers = append(a.closers, sink.Close)
		sinks = append(sinks, sink)
	}
	a.hub = events.NewHub(logger, sinks...)
	a.hubDone = make(chan struct{})
	go func() {
		defer close(a.hubDone)
		if err := a.hub.Run(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("event hub stopped", "error", err)
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	a.log = changelog.New(st, domain.SystemClock{}, logger)
	a.queue = syncq.New(st, domain.SystemClock{}, domain.UUIDv7Generator{}, cfg.Sync.Retry, logger)
	a.machine = transfer.New(st, a.keys, a.verifier, a.log, a.queue,
		transfer.WithTTL(cfg.Transfer.TTL),
		transfer.WithPublisher(a.hub),
		transfer.WithMetrics(a.metrics),
		transfer.WithLogger(logger),
	)
	return a, nil
}

// Close flushes queued events to the sinks and releases everything the
// app opened.
func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
		<-a.hubDone
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// remoteStore connects the configured remote store.
func (a *app) remoteStore(ctx context.Context) (remote.Store, error) {
	switch a.cfg.Remote.Kind {
	case config.RemotePostgres:
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:      a.cfg.Remote.DSN,
			MaxConns: a.cfg.Remote.MaxConns,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	case config.RemoteMemory:
		a.logger.Warn("remote store is in memory: changes synchronized by this process are not shared")
		return memory.New(domain.SystemClock{}), nil
	}
	return nil, fmt.Errorf("unknown remote kind %q", a.cfg.Remote.Kind)
}

// reconciler connects the remote store and builds the sync reconciler.
func (a *app) reconciler(ctx context.Context) (*reconcile.Reconciler, error) {
	rs, err := a.remoteStore(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "remote store unavailable", err)
	}
	s := a.cfg.Sync
	return reconcile.New(a.store, a.queue, a.log, rs, a.machine,
		reconcile.WithPublisher(a.hub),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithLogger(a.logger),
		reconcile.WithInterval(s.Interval),
		reconcile.WithBatchSize(s.BatchSize),
		reconcile.WithConcurrency(s.Concurrency),
		reconcile.WithRateLimit(rate.Limit(s.RatePerSecond), s.Burst),
		reconcile.WithCallTimeout(s.CallTimeout),
		reconcile.WithCacheTTL(s.CacheTTL),
	), nil
}

// runE adapts a command body that needs the engine.
func runE(opts *RootOptions, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
