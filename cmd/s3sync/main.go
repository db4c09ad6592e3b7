package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/s3sync/internal/config"
	"github.com/alexjbarnes/s3sync/internal/logging"
	"github.com/alexjbarnes/s3sync/internal/objstore"
	"github.com/alexjbarnes/s3sync/internal/state"
	"github.com/alexjbarnes/s3sync/internal/syncer"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "s3sync",
	Short:         "Keep a local directory and an S3 bucket in sync",
	Version:       Version,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the sync client (default)",
		RunE:  rootCmd.RunE,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("s3sync starting",
		slog.String("version", Version),
		slog.String("dir", cfg.LocalDir),
		slog.String("bucket", cfg.Bucket),
	)

	lock, err := state.LockDir(cfg.LocalDir)
	if err != nil {
		return fmt.Errorf("locking %s: %w", cfg.LocalDir, err)
	}
	defer lock.Unlock()

	journal, err := state.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	store, err := objstore.NewS3Store(ctx, objstore.S3Config{
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Endpoint:  cfg.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("creating s3 client: %w", err)
	}

	err = runSync(ctx, cfg, store, journal, logger)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// runSync wires the sync client and blocks until ctx is cancelled or a
// fatal error stops it.
func runSync(ctx context.Context, cfg *config.Config, store objstore.Store, journal *state.Journal, logger *slog.Logger) error {
	tree, err := syncer.NewLocalTree(cfg.LocalDir, cfg.IgnorePatterns)
	if err != nil {
		return fmt.Errorf("opening local dir: %w", err)
	}

	clock := clockwork.NewRealClock()
	ledger := syncer.NewLedger(clock, cfg.SuppressionTTL)
	transfer := syncer.NewTransfer(store, tree, ledger, logger.With(slog.String("component", "transfer")))
	status := syncer.NewStatus(clock, syncer.LogSink{Logger: logger}, syncer.DefaultIdleDelay)

	guard := syncer.NewGuard(clock, logger.With(slog.String("component", "guard")))
	defer guard.Stop()

	reconciler := syncer.NewReconciler(syncer.ReconcilerConfig{
		Store:       store,
		Tree:        tree,
		Transfer:    transfer,
		Journal:     journal,
		Clock:       clock,
		Concurrency: cfg.MaxConcurrentTransfers,
	}, logger.With(slog.String("component", "reconcile")))

	engine := syncer.NewEngine(syncer.EngineConfig{
		Store:       store,
		Tree:        tree,
		Transfer:    transfer,
		Guard:       guard,
		Status:      status,
		Journal:     journal,
		Clock:       clock,
		Concurrency: cfg.MaxConcurrentTransfers,
	}, logger.With(slog.String("component", "engine")))

	watcher := syncer.NewWatcher(tree, ledger, clock, cfg.WatcherDebounce, logger.With(slog.String("component", "watcher")))

	listener := syncer.NewListener(syncer.ListenerConfig{
		URL:               cfg.WebsocketURL,
		Token:             cfg.WebsocketToken,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Dispatcher:        engine,
		Reconciler:        reconciler,
		Detector:          watcher,
		Ledger:            ledger,
		Status:            status,
		Clock:             clock,
	}, logger.With(slog.String("component", "listener")))

	go func() {
		select {
		case <-listener.Ready():
			logger.Info("initial sync complete", slog.String("status", status.Current().String()))
		case <-ctx.Done():
		}
	}()

	return superviseSync(ctx, watcher.Watch, func(ctx context.Context) error {
		return engine.Run(ctx, watcher.Intents())
	}, listener.Run)
}

// superviseSync runs the watcher, the engine and the listener until ctx
// is cancelled or one of them fails. The watcher runs on its own
// context, cancelled only once the listener has returned, so the relay
// connection is closed before watches are released.
func superviseSync(ctx context.Context, watch, apply, listen func(context.Context) error) error {
	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWatch()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watch(watchCtx)
	})

	g.Go(func() error {
		return apply(gctx)
	})

	g.Go(func() error {
		defer stopWatch()
		return listen(gctx)
	})

	return g.Wait()
}
