package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shouta0715/ripples-api/internal/room"
	"github.com/shouta0715/ripples-api/internal/server/middleware"
	"github.com/shouta0715/ripples-api/pkg/blob"
	"github.com/shouta0715/ripples-api/pkg/config"
	"github.com/shouta0715/ripples-api/pkg/store"
)

type App struct {
	logger *slog.Logger
	rooms  *room.Manager
	store  store.Store
	wg     sync.WaitGroup
	http   *http.Server
	config *config.Config

	ctx context.Context
}

// NewApp opens the stores named by cfg and wires the HTTP routes.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(rootCtx, store.Options{
		Driver:        cfg.Store.Driver,
		SQLitePath:    cfg.Store.SQLite.Path,
		RedisAddr:     cfg.Store.Redis.Addr,
		RedisPassword: cfg.Store.Redis.Password,
		RedisDB:       cfg.Store.Redis.DB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.NewFS(cfg.Blob.Dir, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	app := &App{
		logger: logger,
		store:  st,
		config: cfg,
		ctx:    rootCtx,
		rooms: room.NewManager(rootCtx, st, blobs, room.Options{
			IdleSuspend: cfg.Room.IdleSuspend,
			MailboxSize: cfg.Room.MailboxSize,
			MaxPanels:   cfg.Server.MaxPanelsPerRoom,
		}, logger),
	}

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: app.Handler(), BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

// Handler returns the full HTTP surface with the global middlewares.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.routes(mux)
	return middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		middleware.NewCORS(a.config.Server.AllowedOrigins),
	)
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.rooms.Close()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
