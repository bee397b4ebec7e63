package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/app"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/repository"
)

// session is an opened app bound to the collection a command operates on.
type session struct {
	app    *app.App
	repo   *repository.Repository
	out    *OutputFormatter
	logger *slog.Logger
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	v := o.viper
	if v == nil {
		v = config.New()
	}
	return config.LoadWith(v, o.ConfigPath)
}

func (o *RootOptions) newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	level := cfg.Logging.Level
	if o.Verbose {
		level = "debug"
	}
	return app.NewLogger(cmd.ErrOrStderr(), level, cfg.Logging.Format)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openApp loads configuration and builds the app. Failures are command
// errors: nothing has been attempted yet.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app.App, *config.Config, *slog.Logger, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := opts.newLogger(cmd, cfg)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	appOpts := append([]app.Option(nil), opts.appOptions...)
	if opts.Offline {
		appOpts = append(appOpts, app.WithMonitor(connectivity.NewManual(false)))
	}
	a, err := app.New(commandContext(cmd), cfg, logger, appOpts...)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return a, cfg, logger, nil
}

func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	a, cfg, logger, err := openApp(cmd, opts)
	if err != nil {
		return nil, err
	}

	name := opts.Collection
	if name == "" {
		name = cfg.Collections[0]
	}
	repo, err := a.Repository(name)
	if err != nil {
		_ = a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open collection", err)
	}

	return &session{app: a, repo: repo, out: opts.output(cmd), logger: logger}, nil
}

func (s *session) Close() {
	if err := s.app.Close(); err != nil {
		s.logger.Error("error closing app", "error", err)
	}
}
