package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/remote"
)

const shutdownTimeout = 5 * time.Second

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep every collection syncing in the foreground",
		Long: `Run the sync loops for every configured collection until interrupted.

Connectivity is probed against the remote's health endpoint; pending work is
dispatched as it becomes due, or on the sync.schedule cron expression when one
is configured.

Example:
  offsync daemon --config offsync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, logger, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					logger.Error("error closing app", "error", closeErr)
				}
			}()

			ctx, stop := signalContext(cmd)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Syncing %v. Press Ctrl-C to stop.\n", a.Collections())
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return WrapExitError(ExitFailure, "sync daemon failed", err)
			}
			logger.Info("daemon stopped")
			return nil
		},
	}
}

// ServeRemoteOptions holds flags for the serve-remote command.
type ServeRemoteOptions struct {
	*RootOptions
	Addr string
}

// NewServeRemoteCommand creates the serve-remote command.
func NewServeRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeRemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve-remote",
		Short: "Serve an in-memory remote over HTTP",
		Long: `Serve an in-memory remote speaking the HTTP protocol the client expects.
Data lives only as long as the process. Point clients at it with
remote.base_url (or --remote).

Example:
  offsync serve-remote --addr :8080
  offsync --remote http://localhost:8080 sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeRemote(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServeRemote(opts *ServeRemoteOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := opts.newLogger(cmd, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := remote.NewServer(remote.NewHub(), logger).HTTPServer(addr)
	logger.Info("http: listening", "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Remote listening on %s\n", ln.Addr())

	ctx, stop := signalContext(cmd)
	defer stop()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("http: shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			return WrapExitError(ExitFailure, "remote server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "graceful shutdown failed", err)
	}
	logger.Info("http: stopped")
	return nil
}
