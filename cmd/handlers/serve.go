package handlers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadlistening/internal/server"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the serve command for starting the HTTP server
func NewServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP admin API",
		Long: `Start the broadlistening admin API.

The server provides:
  • POST /admin/reports to submit a report and start its pipeline
  • Status polling, cancellation and artifact download per report
  • A health check at /health

Admin routes require the x-api-key header to match server.admin_api_key.

Examples:
  # Start server on default port 8080
  broadlistening serve

  # Start on custom port
  broadlistening serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port, host)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (default from config: 8080)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP server host (default from config: 0.0.0.0)")

	return cmd
}

func runServe(ctx context.Context, port int, host string) error {
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	// Override server config from flags if provided
	serverCfg := a.cfg.Server
	if port != 0 {
		serverCfg.Port = port
	}
	if host != "" {
		serverCfg.Host = host
	}
	if serverCfg.AdminAPIKey == "" {
		log.Warn("No admin API key configured; admin routes will reject every request")
	}

	manager := a.manager()
	srv := server.New(server.Deps{
		Reports:    a.store,
		Runner:     manager,
		ReportsDir: a.cfg.Storage.ReportsDir,
		Defaults:   a.defaults(),
		Log:        log,
	}, serverCfg)

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	go func() {
		log.Info(fmt.Sprintf("Server listening on http://%s:%d", serverCfg.Host, serverCfg.Port))
		log.Info("Press Ctrl+C to stop")
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	// Block until we receive our signal or an error from server
	select {
	case err := <-serverErrors:
		_ = manager.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info("Server shutdown initiated", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown failed, forcing close", "error", err)
		}

		// Live runs end in the error state and resume on the next submission.
		if err := manager.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("pipeline shutdown failed: %w", err)
		}

		log.Info("Server stopped successfully")
	}

	return nil
}
