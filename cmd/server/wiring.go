package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cropcast-backend/internal/database"
	"cropcast-backend/internal/engine"
	"cropcast-backend/internal/forecast"
	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/models"
	"cropcast-backend/internal/services"
	"cropcast-backend/pkg/config"
)

// backend is what the commands need from a store
type backend interface {
	engine.Store
	services.AggregateSink
	seedWriter
	ReadPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error)
}

// app bundles the pieces every command shares
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	log    *zap.SugaredLogger
	store  backend
	close  func()
}

// newApp loads configuration, builds the logger and opens the store
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if storeOverride != "" {
		cfg.Store = storeOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, err
	}
	log := logger.Sugar()
	for _, w := range cfg.Warnings {
		log.Warnf("Config: %s", w)
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		log:    log,
		store:  store,
		close: func() {
			closeStore()
			_ = logger.Sync()
		},
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (backend, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("Store: using in-memory store, data is lost on exit")
		return database.NewMemoryStore(), func() {}, nil
	default:
		db, err := database.NewClickHouseDB(ctx, cfg.ClickHouseConfig(), log.Named("clickhouse"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize ClickHouse: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Warnf("Store: %v", err)
			}
		}, nil
	}
}

// newEngine builds and initializes the engine with the file artifact store
func (a *app) newEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	opts = append([]engine.Option{engine.WithArtifactStore(forecast.NewFileStore(a.cfg.ModelPath))}, opts...)
	eng := engine.New(a.store, a.cfg.EngineConfig(), a.log.Named("engine"), opts...)
	if err := eng.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return eng, nil
}
