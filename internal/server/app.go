// Package server initializes and runs the application: configuration,
// logging, database and migrations, services, and the HTTP endpoint, with
// graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mealmetric/server/internal/logging"
	"github.com/mealmetric/server/internal/server/apple"
	"github.com/mealmetric/server/internal/server/config"
	"github.com/mealmetric/server/internal/server/httpapi"
	"github.com/mealmetric/server/internal/server/repositories/repomanager"
	"github.com/mealmetric/server/internal/server/services"
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	httpServer *httpapi.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	verifier, err := apple.NewVerifier(cfg.AppleClientID)
	if err != nil {
		return nil, fmt.Errorf("apple verifier init error: %w", err)
	}

	accounts := services.NewAccountService(db, rm, verifier, cfg)
	chat := services.NewChatService(services.ChatConfigFromServer(cfg))

	httpServer := httpapi.NewServer(cfg, logger, accounts, chat)

	return &App{config: cfg, logger: logger, db: db, httpServer: httpServer}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.httpServer.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}
}
