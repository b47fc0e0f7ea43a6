// Package app wires a workspace into a ready engine: database, migrations,
// config, logger, tracer and event publishers.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"deployline/internal/config"
	"deployline/internal/db"
	"deployline/internal/engine"
	"deployline/internal/logging"
	"deployline/internal/migrate"
	"deployline/internal/notify"
	"deployline/internal/tracing"
)

type Options struct {
	Workspace string
	Version   string
	// Config overrides the workspace deployline.yml when set.
	Config *config.Config
	// Logger overrides the logger built from the logging config.
	Logger *slog.Logger
	// Publish connects event publishers such as MQTT. CLI commands that
	// only read leave it off.
	Publish bool
}

type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Logger    *slog.Logger
	Engine    engine.Engine

	tracer *tracing.Provider
	mqtt   *notify.Publisher
}

// Open opens and migrates the workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Logging, opts.Version)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Logger:    logger,
		tracer:    tp,
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Tracer = tp.Tracer()
	if opts.Publish && cfg.MQTT.Enabled {
		pub, err := notify.Connect(cfg.MQTT, logger)
		if err != nil {
			// The event log stays authoritative, so a missing broker is not fatal.
			logger.Warn("mqtt disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			a.mqtt = pub
			eng.Publisher = pub
			logger.Info("mqtt connected", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
		}
	}
	a.Engine = eng
	return a, nil
}

// Close releases publishers, flushes spans and closes the database.
func (a *App) Close(ctx context.Context) error {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	var errs []error
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Init creates the workspace directory, writes a default deployline.yml
// unless one exists, and migrates the database. It reports whether the
// config file was created.
func Init(ctx context.Context, workspace string) (bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	created := false
	path := config.Path(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return false, fmt.Errorf("write %s: %w", path, err)
		}
		created = true
	} else if err != nil {
		return false, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return created, err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return created, fmt.Errorf("migrate: %w", err)
	}
	return created, nil
}
