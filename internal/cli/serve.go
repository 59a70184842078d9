package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FieldSync/internal/api"
	"github.com/BTreeMap/FieldSync/internal/lockfile"
	"github.com/BTreeMap/FieldSync/internal/recovery"
	"github.com/BTreeMap/FieldSync/internal/scheduler"
	"github.com/BTreeMap/FieldSync/internal/syncmanager"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ListenAddr string
	NoAPI      bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and the local control API",
		Long: `Run FieldSync as a daemon.

The daemon locks the state directory, requeues mutations left in flight by a previous
run, watches connectivity, replays the queue whenever the connection returns, keeps
reference collections warm on a schedule and serves the control API.

Examples:
  fieldsync serve --config /etc/fieldsync/fieldsync.toml
  fieldsync serve --listen 0.0.0.0:8787 --state-dir ./state`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "control API address (overrides listen_addr)")
	cmd.Flags().BoolVar(&opts.NoAPI, "no-api", false, "do not serve the control API")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config()
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir, "serve")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to lock state directory", err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer app.Close()

	rm := recovery.NewRecoveryManager(app.Store)
	rm.RegisterRecoverable(recovery.QueueRecovery(app.Queue))
	rm.RegisterRecoverable(recovery.CacheWarmup(app.Cache, app.Monitor))
	if err := rm.RecoverAll(ctx); err != nil {
		return WrapExitError(ExitCommandError, "startup recovery failed", err)
	}

	src, err := app.Source()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build connectivity source", err)
	}
	// Subscribe before the source reports, so its first transition reaches the manager.
	runManager, stopListening := app.Manager.Listen()
	defer stopListening()
	if err := app.Monitor.Attach(ctx, src); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch connectivity", err)
	}
	defer app.Monitor.Detach()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJobs(ctx,
		scheduler.GCJob(cfg.Queue.GCSchedule, app.Queue, cfg.Queue.SyncedRetention.Std()),
		scheduler.PrefetchJob(cfg.Cache.PrefetchSchedule, app.Cache),
	); err != nil {
		return WrapExitError(ExitCommandError, "failed to schedule maintenance", err)
	}

	managerDone := make(chan error, 1)
	go func() { managerDone <- runManager(ctx) }()

	retry := syncmanager.NewRetryLoop(app.Manager, app.Monitor, app.Queue.Pending(),
		cfg.Queue.RetryInterval.Std(), cfg.Queue.RetryMax.Std())
	retryDone := make(chan error, 1)
	go func() { retryDone <- retry.Run(ctx) }()

	// Mutations left from a previous run are replayed now rather than at the next reconnection.
	startupDone := make(chan struct{})
	if app.Monitor.Online() && app.Queue.Pending().Value() > 0 {
		go func() {
			defer close(startupDone)
			if _, err := app.Manager.SyncNow(ctx); err != nil {
				slog.Warn("runServe: startup sync did not complete", "error", err)
			}
		}()
	} else {
		close(startupDone)
	}

	slog.Info("FieldSync started", "state_dir", cfg.StateDir, "pending", app.Queue.Pending().Value(), "online", app.Monitor.Online())

	var serveErr error
	if opts.NoAPI {
		<-ctx.Done()
	} else {
		serveErr = api.NewServer(app.APIDeps()).ListenAndServe(ctx, cfg.ListenAddr)
	}
	stop()

	<-startupDone
	<-retryDone
	if err := <-managerDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("runServe: sync manager stopped", "error", err)
	}
	if serveErr != nil {
		return WrapExitError(ExitCommandError, "control API failed", serveErr)
	}
	slog.Info("FieldSync exited successfully")
	return nil
}
