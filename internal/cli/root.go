package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/offsync/internal/app"
	"github.com/roach88/offsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Collection string
	Offline    bool

	// viper carries the --db and --remote flag bindings into config loading.
	viper *viper.Viper

	// appOptions are passed to app.New (tests inject an in-process hub).
	appOptions []app.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.viper == nil {
		opts.viper = config.New()
	}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "offsync - offline-first record sync",
		Long: `An offline-first sync and caching engine.

Writes land in a local SQLite store and are queued for the remote; reads are
served from memory, disk and local tiers before the remote is consulted.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a config file (yaml, json or toml)")
	flags.StringVar(&opts.Collection, "collection", "", "collection to operate on (defaults to the first configured)")
	flags.BoolVar(&opts.Offline, "offline", false, "treat the remote as unreachable")
	flags.String("db", "", "path to the SQLite database (overrides store.path)")
	flags.String("remote", "", "remote base URL (overrides remote.base_url)")
	_ = opts.viper.BindPFlag("store.path", flags.Lookup("db"))
	_ = opts.viper.BindPFlag("remote.base_url", flags.Lookup("remote"))

	// Add subcommands
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewServeRemoteCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
