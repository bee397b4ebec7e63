package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/repository"
	"github.com/roach88/offsync/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	All bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [id]",
		Short: "Push pending changes to the remote now",
		Long: `Run one sync pass over the collection's due tasks, or sync a single
record regardless of its retry schedule.

Examples:
  offsync sync
  offsync sync --all
  offsync sync workout-1`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "sync every configured collection")

	return cmd
}

func runSync(opts *SyncOptions, args []string, cmd *cobra.Command) error {
	if opts.All && len(args) > 0 {
		return NewExitError(ExitCommandError, "--all syncs whole collections and takes no id")
	}

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := commandContext(cmd)

	if len(args) == 1 {
		id := args[0]
		if err := s.repo.SyncRecord(ctx, id); err != nil {
			return s.out.Fail("sync failed", err)
		}
		st, err := s.repo.Status(ctx, id)
		if err != nil {
			return s.out.Fail("sync failed", err)
		}
		return s.out.Render(st, func(w io.Writer) { printStatus(w, st) })
	}

	reports := map[string]syncer.SyncReport{}
	if opts.All {
		if reports, err = s.app.SyncAll(ctx); err != nil {
			return s.out.Fail("sync failed", err)
		}
	} else {
		report, err := s.repo.Sync(ctx)
		if err != nil {
			return s.out.Fail("sync failed", err)
		}
		reports[s.repo.Collection()] = report
	}

	return s.out.Render(reports, func(w io.Writer) {
		names := make([]string, 0, len(reports))
		for name := range reports {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			printReport(w, name, reports[name])
		}
	})
}

func printReport(w io.Writer, collection string, r syncer.SyncReport) {
	if r.Deferred {
		fmt.Fprintf(w, "%s: offline, %d task(s) waiting\n", collection, r.Remaining)
		return
	}
	fmt.Fprintf(w, "%s: attempted %d, synced %d, removed %d, conflicts %d, retried %d, rejected %d, remaining %d\n",
		collection, r.Attempted, r.Synced, r.Removed, r.Conflicts, r.Retried, r.Rejected, r.Remaining)
	if r.Exhausted > 0 {
		fmt.Fprintf(w, "  %d task(s) exhausted their retries\n", r.Exhausted)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show sync status",
		Long: `Show the sync state of one record, or a summary of the collection: counts
per state, queue depth, failures and cache hit rates.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := commandContext(cmd)

			if len(args) == 1 {
				st, err := s.repo.Status(ctx, args[0])
				if err != nil {
					return s.out.Fail("status failed", err)
				}
				return s.out.Render(st, func(w io.Writer) { printStatus(w, st) })
			}

			sum, err := s.repo.Summary(ctx)
			if err != nil {
				return s.out.Fail("status failed", err)
			}
			return s.out.Render(sum, func(w io.Writer) { printSummary(w, sum) })
		},
	}
}

func printStatus(w io.Writer, st repository.Status) {
	fmt.Fprintf(w, "id:        %s\n", st.ID)
	fmt.Fprintf(w, "state:     %s\n", st.SyncState)
	fmt.Fprintf(w, "revision:  %s\n", dash(st.Revision))
	fmt.Fprintf(w, "version:   %d\n", st.LocalVersion)
	fmt.Fprintf(w, "synced:    %s\n", formatTime(st.SyncedAt))
	if st.Attempts > 0 {
		fmt.Fprintf(w, "attempts:  %d\n", st.Attempts)
	}
	if !st.NextRetryAt.IsZero() {
		fmt.Fprintf(w, "next try:  %s\n", formatTime(st.NextRetryAt))
	}
	if f := st.Failure; f != nil {
		fmt.Fprintf(w, "failure:   %s: %s", f.Code, f.Reason)
		if f.Exhausted {
			fmt.Fprint(w, " (retries exhausted)")
		}
		fmt.Fprintln(w)
	}
	if c := st.Conflict; c != nil {
		fmt.Fprintf(w, "conflict:  %s\n", describeConflict(c))
	}
}

func printSummary(w io.Writer, sum repository.Summary) {
	conn := "online"
	if !sum.Online {
		conn = "offline"
	}
	fmt.Fprintf(w, "collection %s (%s)\n", sum.Collection, conn)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, state := range record.AllStates {
		fmt.Fprintf(tw, "  %s\t%d\n", state, sum.States[state])
	}
	fmt.Fprintf(tw, "  queued\t%d\n", sum.Queued)
	fmt.Fprintf(tw, "  failed\t%d (%d exhausted)\n", sum.Failed, sum.Exhausted)
	fmt.Fprintf(tw, "  memory cache\t%d hits / %d misses\n", sum.Memory.Hits, sum.Memory.Misses)
	if sum.Disk != nil {
		fmt.Fprintf(tw, "  disk cache\t%d hits / %d misses\n", sum.Disk.Hits, sum.Disk.Misses)
	}
	_ = tw.Flush()
}

func describeConflict(c *record.ConflictRecord) string {
	if c.RemoteDeleted() {
		return fmt.Sprintf("%s rejected, remote deleted the record", c.Operation)
	}
	return fmt.Sprintf("%s rejected, remote at %s: %s", c.Operation, c.Remote.Revision, c.Remote.Payload)
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "conflicts",
		Short:         "List unresolved conflicts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			conflicts, err := s.repo.Conflicts(commandContext(cmd))
			if err != nil {
				return s.out.Fail("listing conflicts failed", err)
			}
			return s.out.Render(conflicts, func(w io.Writer) {
				if len(conflicts) == 0 {
					fmt.Fprintln(w, "No conflicts.")
					return
				}
				for _, c := range conflicts {
					fmt.Fprintf(w, "%s: %s\n", c.RecordID, describeConflict(c))
					fmt.Fprintf(w, "  local: %s\n", c.Local.Payload)
				}
			})
		},
	}
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Keep    string
	Payload string
	File    string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Settle a conflict",
		Long: `Settle the conflict on a record.

  keep_remote  adopt the remote state and drop local changes
  keep_local   re-send the local payload against the remote revision
  merge        re-send a new payload (--payload or --file) against the remote revision

Examples:
  offsync resolve workout-1 --keep keep_remote
  offsync resolve workout-1 --keep merge --payload '{"name":"squat","sets":4}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Keep, "keep", "", "resolution: keep_local, keep_remote or merge (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "merged payload for --keep merge")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the merged payload from a file")
	_ = cmd.MarkFlagRequired("keep")

	return cmd
}

func (o *ResolveOptions) resolution() (record.Resolution, error) {
	kind, err := record.ParseResolutionKind(o.Keep)
	if err != nil {
		return record.Resolution{}, err
	}
	res := record.Resolution{Kind: kind}

	raw := []byte(o.Payload)
	if o.File != "" {
		if raw, err = os.ReadFile(o.File); err != nil {
			return record.Resolution{}, err
		}
	}
	if len(raw) > 0 {
		if kind != record.Merge {
			return record.Resolution{}, fmt.Errorf("a payload only applies to merge")
		}
		if res.Payload, err = record.NewPayload(raw); err != nil {
			return record.Resolution{}, err
		}
	}
	return res, res.Validate()
}

func runResolve(opts *ResolveOptions, id string, cmd *cobra.Command) error {
	res, err := opts.resolution()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid resolution", err)
	}

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.repo.Resolve(commandContext(cmd), id, res)
	if err != nil {
		return s.out.Fail("resolve failed", err)
	}
	if rec == nil {
		return s.out.Render(map[string]string{"id": id, "resolution": string(res.Kind)}, func(w io.Writer) {
			fmt.Fprintf(w, "Resolved %s: removed locally\n", id)
		})
	}
	return s.out.Render(rec, func(w io.Writer) {
		fmt.Fprintf(w, "Resolved %s with %s\n", id, res.Kind)
		printRecord(w, rec)
	})
}
