package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asteriostudio/pulsebear/internal/buildinfo"
	"github.com/asteriostudio/pulsebear/internal/config"
	"github.com/asteriostudio/pulsebear/internal/retention"
	"github.com/asteriostudio/pulsebear/internal/server"
	"github.com/asteriostudio/pulsebear/storage"
	"github.com/asteriostudio/pulsebear/storage/inmemory"
	"github.com/asteriostudio/pulsebear/storage/postgres"
	"github.com/asteriostudio/pulsebear/storage/sqlite"
)

func main() {
	fmt.Println(buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.NewServerConfig()
	logger := cfg.Logger
	defer logger.Sync()

	store, err := newStorage(ctx, cfg)
	if err != nil {
		logger.Fatalf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	go retention.Run(ctx, store, time.Duration(cfg.RetentionDays)*24*time.Hour, time.Hour, logger)

	srv := server.NewServer(store, cfg)
	logger.Infow("starting server", "address", cfg.Addr, "timezone", cfg.Timezone)
	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server stopped: %v", err)
	}
	logger.Info("server shut down")
}

func newStorage(ctx context.Context, cfg *config.ServerConfig) (storage.Storage, error) {
	switch {
	case cfg.DatabaseDsn != "":
		cfg.Logger.Info("using PostgreSQL storage")
		return postgres.NewPostgresStorage(ctx, cfg.DatabaseDsn)
	case cfg.SQLitePath != "":
		cfg.Logger.Infow("using SQLite storage", "path", cfg.SQLitePath)
		return sqlite.NewSQLiteStorage(cfg.SQLitePath)
	default:
		cfg.Logger.Info("using in-memory storage, data will not survive restarts")
		return inmemory.NewMemStorage(), nil
	}
}
