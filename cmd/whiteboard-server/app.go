package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/room"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/unfurl"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the assembled server and what must be released on exit.
type application struct {
	handler  http.Handler
	registry *room.Registry
	backend  persistence.Backend
	closers  []func() error
}

// Close releases the database handle. The registry is shut down separately
// so the HTTP server can drain first.
func (a *application) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		errs = append(errs, a.closers[index]())
	}
	return errors.Join(errs...)
}

func newApplication(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}

	var db *gorm.DB
	if cfg.Persistence.Backend == config.BackendSQLite || cfg.Auth.Enabled() {
		opened, err := database.OpenSQLite(cfg.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB, err := opened.DB()
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, sqlDB.Close)
		db = opened
	}

	backend, err := openBackend(ctx, cfg, db, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.backend = backend

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	roomMetrics, err := metrics.New(promRegistry)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	registry, err := room.NewRegistry(room.RegistryConfig{
		Backend:               backend,
		HistoryCapacity:       cfg.Room.HistoryCapacity,
		MaxBufferedMessages:   cfg.Room.MaxBufferedMessages,
		SendBuffer:            cfg.Room.SendBuffer,
		ConnectTimeout:        cfg.Room.ConnectTimeout,
		ContinuousPersistence: cfg.Persistence.Continuous,
		PersistThrottle:       cfg.Persistence.Throttle,
		PersistTimeout:        cfg.Persistence.Timeout,
		PersistRetries:        cfg.Persistence.Retries,
		ExclusiveOwnership:    cfg.Room.ExclusiveOwnership,
		Logger:                logger,
		Metrics:               roomMetrics,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.registry = registry

	assetStore, err := assets.NewFileStore(assets.Config{
		Directory: cfg.Assets.Directory,
		MaxBytes:  cfg.Assets.MaxBytes,
		Logger:    logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	deps := server.Dependencies{
		Registry:       registry,
		Assets:         assetStore,
		Unfurler:       unfurl.New(unfurl.Config{Timeout: cfg.Unfurl.Timeout, Logger: logger}),
		Gatherer:       promRegistry,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.Auth.Enabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(cfg.Auth.SigningSecret),
			Issuer:        cfg.Auth.Issuer,
			CookieName:    cfg.Auth.CookieName,
		})
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		deps.SessionValidator = validator
		deps.Users = userService
	} else {
		logger.Warn("authentication disabled; every connection is anonymous")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.handler = handler
	return app, nil
}

// openBackend builds the snapshot backend named by persistence.backend.
func openBackend(ctx context.Context, cfg config.AppConfig, db *gorm.DB, logger *zap.Logger) (persistence.Backend, error) {
	switch cfg.Persistence.Backend {
	case config.BackendFile:
		return persistence.NewFileBackend(persistence.FileConfig{Directory: cfg.Persistence.Directory, Logger: logger})
	case config.BackendSQLite:
		return persistence.NewSQLBackend(persistence.SQLConfig{Database: db, Logger: logger})
	case config.BackendDynamoDB:
		return persistence.NewDynamoBackend(ctx, persistence.DynamoConfig{
			TableName:       cfg.DynamoDB.Table,
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
			Logger:          logger,
		})
	case config.BackendMemory:
		return persistence.NewMemoryBackend(), nil
	case config.BackendNone:
		return persistence.NoopBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}
