package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Read a record",
		Long: `Read a record through the cache tiers and the local store.

A record missing locally is fetched from the remote. Local changes that have
not synced yet are returned as written.

Example:
  offsync get 0192f8a1-7c3e-7b4a-9c1d-2f3e4a5b6c7d`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.repo.Get(commandContext(cmd), args[0])
			if err != nil {
				return s.out.Fail("get failed", err)
			}
			return s.out.Render(rec, func(w io.Writer) { printRecord(w, rec) })
		},
	}
}

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	File string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put [id] [payload]",
		Short: "Create or update a record",
		Long: `Write a JSON payload locally and queue it for sync.

With one argument the id is generated. The payload may also come from a file
(--file), or from stdin with --file -.

Examples:
  offsync put '{"name":"squat","sets":3}'
  offsync put workout-1 '{"name":"squat","sets":5}'
  offsync put workout-1 --file workout.json`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the payload from a file (- for stdin)")

	return cmd
}

func runPut(opts *PutOptions, args []string, cmd *cobra.Command) error {
	id, raw, err := putInput(opts, args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	payload, err := record.NewPayload(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.repo.Put(commandContext(cmd), id, payload)
	if err != nil {
		return s.out.Fail("put failed", err)
	}
	s.out.VerboseLog("stored %s at local version %d", rec.ID, rec.LocalVersion)
	return s.out.Render(rec, func(w io.Writer) { printRecord(w, rec) })
}

// putInput splits the arguments into id and payload bytes.
func putInput(opts *PutOptions, args []string, stdin io.Reader) (string, []byte, error) {
	if opts.File != "" {
		if len(args) > 1 {
			return "", nil, NewExitError(ExitCommandError, "payload given both as argument and --file")
		}
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		if opts.File == "-" {
			raw, err := io.ReadAll(stdin)
			if err != nil {
				return "", nil, WrapExitError(ExitCommandError, "failed to read stdin", err)
			}
			return id, raw, nil
		}
		raw, err := os.ReadFile(opts.File)
		if err != nil {
			return "", nil, WrapExitError(ExitCommandError, "failed to read payload file", err)
		}
		return id, raw, nil
	}

	switch len(args) {
	case 1:
		return "", []byte(args[0]), nil
	case 2:
		return args[0], []byte(args[1]), nil
	default:
		return "", nil, NewExitError(ExitCommandError, "a payload is required")
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Long: `Delete a record locally and queue the remote deletion.

A record the remote has never seen is removed at once.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.repo.Delete(commandContext(cmd), args[0]); err != nil {
				return s.out.Fail("delete failed", err)
			}
			return s.out.Render(map[string]string{"id": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %s\n", args[0])
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Drop a record locally without telling the remote",
		Long: `Remove a record from the local store and caches, discarding any pending
change and conflict. The remote copy is untouched and will be fetched again on
the next read.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.repo.Purge(commandContext(cmd), args[0]); err != nil {
				return s.out.Fail("purge failed", err)
			}
			return s.out.Render(map[string]string{"id": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Purged %s\n", args[0])
			})
		},
	}
}

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "refresh <id>",
		Short:         "Re-fetch a record from the remote",
		Long:          `Fetch the remote state of a record now. Records with local changes keep them.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.repo.Refresh(commandContext(cmd), args[0])
			if err != nil {
				return s.out.Fail("refresh failed", err)
			}
			return s.out.Render(rec, func(w io.Writer) { printRecord(w, rec) })
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	States         []string
	Prefix         string
	Since          time.Duration
	IncludeDeleted bool
	OrderBy        string
	Descending     bool
	Limit          int
	Offset         int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records held locally",
		Long: `List records from the local store. The remote is never contacted.

Examples:
  offsync list
  offsync list --state pending_create --state pending_update
  offsync list --prefix workout- --order updated_at --desc --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "only records in these sync states")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only ids with this prefix")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only records changed within this window")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include records pending deletion")
	cmd.Flags().StringVar(&opts.OrderBy, "order", string(store.OrderByID), "order by id or updated_at")
	cmd.Flags().BoolVar(&opts.Descending, "desc", false, "reverse the order")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "records to skip")

	return cmd
}

func (o *ListOptions) query(now time.Time) (store.Query, error) {
	q := store.Query{
		IDPrefix:       o.Prefix,
		IncludeDeleted: o.IncludeDeleted,
		OrderBy:        store.OrderField(o.OrderBy),
		Descending:     o.Descending,
		Limit:          o.Limit,
		Offset:         o.Offset,
	}
	for _, s := range o.States {
		state, err := record.ParseSyncState(s)
		if err != nil {
			return store.Query{}, err
		}
		q.States = append(q.States, state)
	}
	if o.Since > 0 {
		q.UpdatedSince = now.Add(-o.Since)
	}
	return q, nil
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	q, err := opts.query(time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.repo.List(commandContext(cmd), q)
	if err != nil {
		return s.out.Fail("list failed", err)
	}
	return s.out.Render(records, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintln(w, "No records.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tREVISION\tVERSION\tPAYLOAD")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.SyncState, dash(rec.Revision), rec.LocalVersion, rec.Payload)
		}
		_ = tw.Flush()
	})
}

func printRecord(w io.Writer, rec *record.Record) {
	fmt.Fprintf(w, "id:        %s\n", rec.ID)
	fmt.Fprintf(w, "state:     %s\n", rec.SyncState)
	fmt.Fprintf(w, "revision:  %s\n", dash(rec.Revision))
	fmt.Fprintf(w, "version:   %d\n", rec.LocalVersion)
	fmt.Fprintf(w, "updated:   %s\n", formatTime(rec.UpdatedAt))
	fmt.Fprintf(w, "synced:    %s\n", formatTime(rec.SyncedAt))
	if f := rec.Failure; f != nil {
		fmt.Fprintf(w, "failure:   %s after %d attempt(s): %s\n", f.Code, f.Attempts, f.Reason)
	}
	fmt.Fprintf(w, "payload:   %s\n", rec.Payload)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
