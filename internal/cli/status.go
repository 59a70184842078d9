package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/refcache"
)

// StatusReport summarises the local store.
type StatusReport struct {
	Pending     int                         `json:"pending" yaml:"pending"`
	Syncing     int                         `json:"syncing" yaml:"syncing"`
	Synced      int                         `json:"synced" yaml:"synced"`
	Stuck       int                         `json:"stuck" yaml:"stuck"`
	Collections []refcache.CollectionStatus `json:"collections" yaml:"collections"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Summarise the sync queue and the reference cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	app, err := NewApp(ctx, opts.Config())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer app.Close()

	var report StatusReport
	counts := map[models.MutationStatus]*int{
		models.MutationStatusPending: &report.Pending,
		models.MutationStatusSyncing: &report.Syncing,
		models.MutationStatusSynced:  &report.Synced,
	}
	for status, dst := range counts {
		n, err := app.Store.CountMutations(ctx, status)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count mutations", err)
		}
		*dst = n
	}
	stuck, err := app.Queue.Stuck(ctx, opts.Config().Queue.StuckRetries)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list stuck mutations", err)
	}
	report.Stuck = len(stuck)

	report.Collections, err = app.Cache.Status(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cache status", err)
	}
	if report.Collections == nil {
		report.Collections = []refcache.CollectionStatus{}
	}

	return opts.formatter(cmd).Success(report, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "Queue: %d pending, %d syncing, %d synced, %d stuck\n",
			report.Pending, report.Syncing, report.Synced, report.Stuck); err != nil {
			return err
		}
		return writeCacheTable(w, report.Collections)
	})
}
