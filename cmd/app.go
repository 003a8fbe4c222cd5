package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/chat"
	"github.com/ThatCatDev/tanrenai/pocket/internal/download"
	"github.com/ThatCatDev/tanrenai/pocket/internal/events"
	"github.com/ThatCatDev/tanrenai/pocket/internal/inference"
	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
	"github.com/ThatCatDev/tanrenai/pocket/internal/runner"
	"github.com/ThatCatDev/tanrenai/pocket/internal/session"
	"github.com/ThatCatDev/tanrenai/pocket/internal/store"
)

// diskReserve is kept free on top of a model's size.
const diskReserve = 512 << 20

// app wires every component against the configured data directory.
type app struct {
	db        *store.DB
	bus       *events.Bus
	catalog   *models.Catalog
	sessions  *session.Store
	downloads *download.Coordinator
	manager   *inference.Manager
	chat      *chat.Controller
}

func openApp(ctx context.Context) (*app, error) {
	db, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return nil, err
	}
	bus := events.New()

	catalog, err := models.NewCatalog(ctx, db, models.NewResolver(cfg.ModelsDir), bus, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	sessions, err := session.New(ctx, db, bus, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if n, err := sessions.ImportLegacy(ctx, cfg.LegacySessionsDir()); err != nil {
		logger.Warn("legacy session import incomplete", zap.Int("imported", n), zap.Error(err))
	}

	downloads := download.New(catalog, download.DiskSpace{Dir: cfg.ModelsDir, Reserve: diskReserve}, download.Config{
		HTTPClient: &http.Client{},
		Token:      cfg.HFToken,
		Bus:        bus,
		Logger:     logger,
	})

	eng := runner.New(runner.Config{BinDir: cfg.BinDir, Quiet: true, Logger: logger})
	manager := inference.NewManager(eng, catalog, db, sessions, bus, logger, inference.Options{
		ContextSize: cfg.CtxSize,
		GPULayers:   cfg.EffectiveGPULayers(),
		AutoRelease: cfg.AutoRelease,
	})

	ctrl := chat.NewController(sessions, manager, chat.Config{
		CtxSize:        cfg.CtxSize,
		ResponseBudget: cfg.ResponseBudget,
		FlushInterval:  cfg.FlushInterval,
	}, logger)

	return &app{
		db:        db,
		bus:       bus,
		catalog:   catalog,
		sessions:  sessions,
		downloads: downloads,
		manager:   manager,
		chat:      ctrl,
	}, nil
}

// Close cancels downloads, releases the loaded model and closes the store.
func (a *app) Close(ctx context.Context) error {
	a.downloads.Shutdown()
	return errors.Join(a.manager.Release(ctx), a.db.Close())
}
