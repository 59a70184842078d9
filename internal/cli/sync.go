package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FieldSync/internal/lockfile"
	"github.com/BTreeMap/FieldSync/internal/recovery"
)

// SyncReport is the output of the sync command.
type SyncReport struct {
	Synced  int `json:"synced" yaml:"synced"`
	Failed  int `json:"failed" yaml:"failed"`
	Pending int `json:"pending" yaml:"pending"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued mutations once and refresh reference data",
		Long: `Run one sync cycle without starting the daemon.

Pending mutations are replayed in creation order, reference collections are refreshed
and synced rows past retention are removed. The state directory is locked for the
duration, so this cannot run next to a daemon using the same store.

Exit status is 1 when any mutation could not be delivered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	cfg := opts.Config()
	out := opts.formatter(cmd)

	lock, err := lockfile.AcquireLock(cfg.StateDir, "sync")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to lock state directory", err)
	}
	defer lock.Release()

	ctx := cmd.Context()
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer app.Close()

	// Holding the lock means no other pass can own rows still marked syncing.
	rm := recovery.NewRecoveryManager(app.Store)
	rm.RegisterRecoverable(recovery.QueueRecovery(app.Queue))
	if err := rm.RecoverAll(ctx); err != nil {
		return WrapExitError(ExitCommandError, "recovery failed", err)
	}

	result, err := app.Manager.SyncNow(ctx)
	report := SyncReport{Synced: result.Synced, Failed: result.Failed, Pending: app.Queue.Pending().Value()}
	if err != nil {
		_ = out.Failure(report, err)
		return WrapExitError(ExitCommandError, "sync failed", err)
	}

	if err := out.Success(report, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Synchronized %d request(s), %d failed, %d pending\n", report.Synced, report.Failed, report.Pending)
		return err
	}); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d request(s) could not be synchronized", report.Failed))
	}
	return nil
}
