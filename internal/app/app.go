package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/config"
	"github.com/rentglass/chatsync/internal/store"
	"github.com/rentglass/chatsync/internal/store/sqlite"
	"github.com/rentglass/chatsync/internal/syncengine"
	"github.com/rentglass/chatsync/internal/transport/api"
	"github.com/rentglass/chatsync/internal/transport/ws"
)

// App wires the sync engine's collaborators for one user session: the
// snapshot API client, the push channel manager, the local cache, and the
// engine itself.
type App struct {
	Engine  *syncengine.Engine
	API     *api.Client
	manager *ws.Manager
	cache   store.Cache
	log     *zerolog.Logger
}

// New constructs a session from configuration and an authenticated identity.
func New(cfg config.Config, identity auth.Identity, apiClient *api.Client, logger *zerolog.Logger) (*App, error) {
	cache, err := sqlite.New(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	logger.Info().Str("cache_path", cfg.CachePath).Msg("local cache initialized")

	manager := ws.New(cfg.WSURL, ws.Options{
		Attempts:    cfg.ReconnectAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, logger)

	engine := syncengine.New(syncengine.Options{
		TypingQuietWindow: cfg.TypingQuietWindow,
	}, identity, apiClient, manager, cache, logger)

	return &App{
		Engine:  engine,
		API:     apiClient,
		manager: manager,
		cache:   cache,
		log:     logger,
	}, nil
}

// Start connects the push channel and begins synchronization.
func (a *App) Start(ctx context.Context) error {
	return a.Engine.Start(ctx)
}

// Close releases the connection and the local cache.
func (a *App) Close() error {
	if err := a.manager.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close push channel")
	}
	if err := a.cache.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	a.log.Info().Msg("session closed")
	return nil
}
