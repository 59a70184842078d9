package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/syncqueue"
)

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	Status     string
	Stuck      bool
	MinRetries int
}

// QueueClearOptions holds flags for queue clear-synced.
type QueueClearOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the sync queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Long: `List queued mutations in replay order.

Examples:
  fieldsync queue list
  fieldsync queue list --status pending
  fieldsync queue list --stuck --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|syncing|synced)")
	cmd.Flags().BoolVar(&opts.Stuck, "stuck", false, "only pending mutations that failed repeatedly")
	cmd.Flags().IntVar(&opts.MinRetries, "min-retries", 0, "retry count that makes a mutation stuck (default queue.stuck_retries)")

	return cmd
}

func runQueueList(opts *QueueListOptions, cmd *cobra.Command) error {
	status := models.MutationStatus(opts.Status)
	if status != "" && !models.IsValidMutationStatus(status) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q: must be pending, syncing or synced", opts.Status))
	}

	ctx := cmd.Context()
	app, err := NewApp(ctx, opts.Config())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer app.Close()

	var rows []models.QueuedMutation
	if opts.Stuck {
		threshold := opts.MinRetries
		if threshold <= 0 {
			threshold = opts.Config().Queue.StuckRetries
		}
		rows, err = app.Queue.Stuck(ctx, threshold)
	} else {
		rows, err = app.Queue.List(ctx, status)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list queue", err)
	}
	if rows == nil {
		rows = []models.QueuedMutation{}
	}

	return opts.formatter(cmd).Success(rows, func(w io.Writer) error {
		return writeQueueTable(w, rows)
	})
}

// writeQueueTable renders mutations as a fixed-width table.
func writeQueueTable(w io.Writer, rows []models.QueuedMutation) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No queued mutations")
		return err
	}
	const rowFormat = "%-5s %-8s %-24s %-7s %-20s %s\n"
	if _, err := fmt.Fprintf(w, rowFormat, "ID", "STATUS", "METHOD", "RETRIES", "CREATED", "LAST ERROR"); err != nil {
		return err
	}
	for _, m := range rows {
		lastErr := m.ErrorMessage
		if lastErr == "" {
			lastErr = "-"
		}
		if _, err := fmt.Fprintf(w, rowFormat,
			fmt.Sprint(m.ID), string(m.Status), m.Method, fmt.Sprint(m.RetryCount),
			m.CreatedAt.UTC().Format(time.RFC3339), lastErr); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d mutation(s)\n", len(rows))
	return err
}

func newQueueClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear-synced",
		Short: "Delete synced mutations older than the retention window",
		Long: `Delete synced mutations older than the retention window.
Pending and in-flight mutations are never removed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueClear(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "retention window (default queue.synced_retention)")

	return cmd
}

func runQueueClear(opts *QueueClearOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	app, err := NewApp(ctx, opts.Config())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer app.Close()

	retention := opts.OlderThan
	if retention <= 0 {
		retention = opts.Config().Queue.SyncedRetention.Std()
	}
	if retention <= 0 {
		retention = syncqueue.DefaultSyncedRetention
	}
	n, err := app.Queue.ClearSyncedItems(ctx, retention)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to clear synced mutations", err)
	}

	data := map[string]interface{}{"deleted": n, "olderThan": retention.String()}
	return opts.formatter(cmd).Success(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Deleted %d synced mutation(s) older than %s\n", n, retention)
		return err
	})
}
