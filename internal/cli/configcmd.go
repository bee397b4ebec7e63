package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, OFFSYNC_*
environment variables and flags are applied, and validate it.

The text output is a valid config file.

Example:
  OFFSYNC_SYNC_WORKERS=8 offsync config`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			out, err := cfg.YAML()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to render configuration", err)
			}
			return rootOpts.output(cmd).Render(cfg, func(w io.Writer) {
				_, _ = w.Write(out)
			})
		},
	}
}
