// Package main boots the counter-data logger, wiring configuration, logger,
// the Modbus/MQTT/storage supervisor, and the HTTP status surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/httpapi"
	"github.com/ibs-source/adam-logger/internal/logger"
	"github.com/ibs-source/adam-logger/internal/ports"
	runtimex "github.com/ibs-source/adam-logger/internal/runtime"
	"github.com/ibs-source/adam-logger/internal/supervisor"
)

// Application owns the supervisor and the HTTP surface, and sequences their
// startup and shutdown.
type Application struct {
	config  *config.Config
	logger  ports.Logger
	sup     *supervisor.Supervisor
	httpSrv *httpapi.Server
}

func main() {
	os.Exit(run())
}

// run contains the program logic and returns an exit code. Using this
// pattern ensures defers run and avoids exit-after-defer lint issues.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logr, err := logger.NewLogrusLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	app := &Application{config: cfg, logger: logr}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logr.Error("failed to start application", ports.Field{Key: "error", Value: err})
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logr.Info("received shutdown signal", ports.Field{Key: "signal", Value: sig})

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logr.Error("failed to shutdown gracefully", ports.Field{Key: "error", Value: err})
		return 1
	}

	logr.Info("application shutdown complete")
	return 0
}

// Start builds the supervisor and the HTTP surface, then starts both.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting application",
		ports.Field{Key: "name", Value: app.config.App.Name},
		ports.Field{Key: "environment", Value: app.config.App.Environment},
	)

	app.applyCPUAffinityIfConfigured()

	sup, err := supervisor.New(app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to build supervisor: %w", err)
	}
	app.sup = sup

	if err := app.sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	if app.config.HTTP.Enabled {
		srv, err := httpapi.New(app.config.HTTP, app.sup, app.logger)
		if err != nil {
			return fmt.Errorf("failed to build http server: %w", err)
		}
		app.httpSrv = srv
		app.httpSrv.Start()
	}

	app.logger.Info("application started successfully")
	return nil
}

// applyCPUAffinityIfConfigured applies process CPU affinity if configured.
// Best-effort; logs a warning on failure. No-ops on non-Linux builds.
func (app *Application) applyCPUAffinityIfConfigured() {
	if len(app.config.App.CPUAffinity) == 0 {
		return
	}
	if err := runtimex.ApplyProcessAffinity(runtimex.AffinitySpec{CPUSet: app.config.App.CPUAffinity}); err != nil {
		app.logger.Warn("failed to apply CPU affinity (best-effort)", ports.Field{Key: "error", Value: err})
		return
	}
	app.logger.Info("applied CPU affinity", ports.Field{Key: "cpus", Value: app.config.App.CPUAffinity})
}

// Shutdown stops the HTTP surface first so no new requests arrive mid-drain,
// then stops the supervisor (collection planes, then writer, then DLQ, then
// the storage sink).
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("shutting down application")

	if app.httpSrv != nil {
		if err := app.httpSrv.Stop(ctx); err != nil {
			app.logger.Error("failed to shut down http server", ports.Field{Key: "error", Value: err})
		}
	}

	if app.sup != nil {
		if err := app.sup.Stop(ctx); err != nil {
			app.logger.Error("failed to stop supervisor", ports.Field{Key: "error", Value: err})
		}
	}

	return nil
}
