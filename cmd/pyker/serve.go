package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pyker"
	"github.com/loykin/pyker/internal/logger"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pyker daemon",
		Long: `Start the daemon that supervises scripts and serves the HTTP API.
Configuration is read from --config (default ~/.pyker/config.toml).

Examples:
  pyker serve
  pyker serve --config=/etc/pyker/config.toml
  pyker serve --daemonize --pidfile=/run/pyker.pid --logfile=/var/log/pyker.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), globalFlags, f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon stdout/stderr to file when daemonized")
	return cmd
}

func runServe(ctx context.Context, globalFlags *GlobalFlags, f *ServeFlags) error {
	cfg, err := pyker.LoadConfig(globalFlags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.Daemonize {
		if !isDaemonSupported() {
			return errors.New("--daemonize is not supported on this platform")
		}
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = closeLog.Close() }()
	slog.SetDefault(log)

	if cfg.Metrics.Enabled {
		if err := pyker.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := pyker.New(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	if err := mgr.Recover(ctx); err != nil {
		log.Error("recovery failed", "error", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	srv := pyker.NewHTTPServer(cfg, mgr, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info("pyker daemon started",
		"listen", ln.Addr().String(),
		"base_path", cfg.Server.BasePath,
		"state_file", cfg.StateFile,
		"logs_dir", cfg.Logs.Dir)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.StopTimeout+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return mgr.Shutdown(shutdownCtx)
}
