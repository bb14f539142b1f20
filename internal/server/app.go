// Package server initializes and runs the passvault pairing and sync server.
// It opens the database, applies migrations, wires the engines to the REST
// surface, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akosenkov/passvault/internal/logging"
	"github.com/akosenkov/passvault/internal/server/blobs"
	"github.com/akosenkov/passvault/internal/server/config"
	"github.com/akosenkov/passvault/internal/server/httpapi"
	"github.com/akosenkov/passvault/internal/server/notify"
	"github.com/akosenkov/passvault/internal/server/repositories/repomanager"
	"github.com/akosenkov/passvault/internal/server/services"
	"github.com/benbjohnson/clock"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	pairingService *services.PairingService
	syncService    *services.SyncService
	httpServer     *httpapi.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	clk := clock.New()
	dispatcher := notify.NewLogDispatcher(logger)
	presigner := blobs.NewS3Presigner(cfg)

	deviceService := services.NewDeviceService(db, rm, logger, clk)
	verificationService := services.NewVerificationService(db, rm, cfg, logger, clk, dispatcher)
	pairingService := services.NewPairingService(db, rm, cfg, logger, clk)
	syncService := services.NewSyncService(db, rm, cfg, logger, clk, presigner)

	handler := httpapi.NewHandler(deviceService, verificationService, pairingService, syncService, logger)
	httpServer := httpapi.NewServer(cfg, handler, logger)

	return &App{
		config:         cfg,
		logger:         logger,
		db:             db,
		pairingService: pairingService,
		syncService:    syncService,
		httpServer:     httpServer,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSweeper collects expired pairing sessions on a fixed cadence until the
// app context is cancelled.
func (app *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(app.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.pairingService.Sweep(ctx); err != nil {
				app.logger.Warn(ctx, "pairing sweep failed", "error", err.Error())
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app")

	app.initSignalHandler(cancelFunc)

	go app.runSweeper(ctx)
	app.httpServer.RunInBackground(ctx)

	<-ctx.Done()

	app.httpServer.Shutdown()

	// Let in-flight sync runs reach a terminal state before closing the db.
	app.syncService.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close failed", "error", err.Error())
	}

	app.logger.Info(ctx, "app stopped")
}
