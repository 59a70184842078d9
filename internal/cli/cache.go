package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FieldSync/internal/refcache"
)

// PrefetchReport is the output of cache prefetch and cache refresh.
type PrefetchReport struct {
	Loaded map[string]int    `json:"loaded" yaml:"loaded"`
	Failed map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func newPrefetchReport(r refcache.Report) PrefetchReport {
	out := PrefetchReport{Loaded: r.Loaded, Failed: map[string]string{}}
	if out.Loaded == nil {
		out.Loaded = map[string]int{}
	}
	for name, err := range r.Failed {
		out.Failed[name] = err.Error()
	}
	return out
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and warm the reference data cache",
	}
	cmd.AddCommand(newCacheLoadCommand(rootOpts, "prefetch",
		"Load every configured collection, using fresh cached data where possible", false))
	cmd.AddCommand(newCacheLoadCommand(rootOpts, "refresh",
		"Fetch every configured collection from the network, keeping stale data on failure", true))
	cmd.AddCommand(newCacheListCommand(rootOpts))
	cmd.AddCommand(newCacheShowCommand(rootOpts))
	return cmd
}

func newCacheLoadCommand(rootOpts *RootOptions, use, short string, networkFirst bool) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          short + ".\n\nEvery collection is attempted; exit status is 1 when any of them could not be loaded.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, rootOpts.Config())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer app.Close()

			var report refcache.Report
			if networkFirst {
				report = app.Cache.RefreshAll(ctx)
			} else {
				report = app.Cache.PrefetchAll(ctx)
			}
			out := newPrefetchReport(report)
			if err := rootOpts.formatter(cmd).Success(out, func(w io.Writer) error {
				return writePrefetchReport(w, out)
			}); err != nil {
				return err
			}
			if n := report.FailedCount(); n > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d collection(s) could not be loaded", n))
			}
			return nil
		},
	}
}

func writePrefetchReport(w io.Writer, r PrefetchReport) error {
	names := make([]string, 0, len(r.Loaded)+len(r.Failed))
	for name := range r.Loaded {
		names = append(names, name)
	}
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if msg, failed := r.Failed[name]; failed {
			if _, err := fmt.Fprintf(w, "%-20s FAILED  %s\n", name, msg); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%-20s ok      %d item(s)\n", name, r.Loaded[name]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d loaded, %d failed\n", len(r.Loaded), len(r.Failed))
	return err
}

func newCacheListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "Show cached collections and their freshness",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, rootOpts.Config())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer app.Close()

			statuses, err := app.Cache.Status(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read cache status", err)
			}
			if statuses == nil {
				statuses = []refcache.CollectionStatus{}
			}
			return rootOpts.formatter(cmd).Success(statuses, func(w io.Writer) error {
				return writeCacheTable(w, statuses)
			})
		},
	}
}

func writeCacheTable(w io.Writer, statuses []refcache.CollectionStatus) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No reference collections")
		return err
	}
	const rowFormat = "%-20s %-6s %-5s %-20s %s\n"
	if _, err := fmt.Fprintf(w, rowFormat, "COLLECTION", "ITEMS", "FRESH", "UPDATED", "EXPIRES"); err != nil {
		return err
	}
	for _, s := range statuses {
		fresh := "no"
		if s.Fresh {
			fresh = "yes"
		}
		if _, err := fmt.Fprintf(w, rowFormat, s.Name, fmt.Sprint(s.Items), fresh, formatTime(s.UpdatedAt), formatTime(s.ExpiresAt)); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newCacheShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <collection>",
		Short:         "Print a collection: fresh cache, then network, then stale cache",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, rootOpts.Config())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer app.Close()

			items, err := app.Cache.Load(ctx, args[0])
			switch {
			case errors.Is(err, refcache.ErrUnknownCollection):
				return WrapExitError(ExitCommandError, "collection is not configured", err)
			case err != nil:
				return WrapExitError(ExitFailure, "collection unavailable", err)
			}
			return rootOpts.formatter(cmd).Success(items, func(w io.Writer) error {
				for _, item := range items {
					if _, err := fmt.Fprintf(w, "%s\t%s\n", item.Value, item.Label); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
