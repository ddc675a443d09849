// Package setup assembles the application from its parts: it picks the
// storage driver, runs migrations, builds the classifier stack and wires the
// engine façade.
package setup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/database"
	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/internal/modelstore"
	"github.com/adaptive-therapy-server/internal/notify"
	"github.com/adaptive-therapy-server/internal/repository"
	"github.com/adaptive-therapy-server/internal/service"
)

// App holds the wired application and the handles that need closing on
// shutdown.
type App struct {
	Engine   *service.Engine
	Feed     *notify.RedisNotifier
	Log      *logrus.Logger
	sqliteDB *sql.DB
	pgDB     *database.DB
}

// Build wires the application from configuration.
func Build(ctx context.Context, cfg *domain.Config) (*App, error) {
	logger := newLogger(cfg.Logging)

	app := &App{Log: logger}

	sessions, outcomes, profiles, err := app.buildRepositories(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	store, err := modelstore.NewFileStore(cfg.Engine.ModelPath, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("creating model store: %w", err)
	}

	classifier, err := service.NewDifficultyClassifier(store, cfg.Engine, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("creating classifier: %w", err)
	}

	var notifier domain.Notifier = notify.NewNoopNotifier()
	if cfg.Notify.Enabled {
		feed, err := notify.NewRedisNotifier(cfg.Notify.RedisURL, cfg.Notify.ChannelPrefix, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connecting notifier: %w", err)
		}
		app.Feed = feed
		notifier = feed
	}

	lifecycle := service.NewLifecycleManager(sessions, outcomes, profiles, notifier, cfg.Engine, logger)
	recorder := service.NewRecorder(outcomes, lifecycle, classifier, cfg.Engine, logger)
	go recorder.Run(ctx)
	app.Engine = service.NewEngine(sessions, outcomes, classifier, lifecycle, recorder, notifier, logger)

	logger.WithFields(logrus.Fields{
		"driver":        cfg.Database.Driver,
		"retrain_every": cfg.Engine.RetrainEvery,
		"notifications": cfg.Notify.Enabled,
	}).Info("Application wired")

	return app, nil
}

func (a *App) buildRepositories(ctx context.Context, cfg *domain.DatabaseConfig, logger *logrus.Logger) (domain.SessionRepository, domain.OutcomeRepository, domain.ProfileRepository, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := repository.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		a.sqliteDB = db
		logger.WithField("path", cfg.Path).Info("SQLite storage ready")
		return repository.NewSQLiteSessionRepository(db),
			repository.NewSQLiteOutcomeRepository(db),
			repository.NewSQLiteProfileRepository(db), nil

	case "postgres":
		db, err := database.NewConnection(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.pgDB = db

		runner, err := database.NewMigrationRunner(cfg, logger)
		if err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("creating migration runner: %w", err)
		}
		defer runner.Close()
		if err := runner.Up(); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
		}

		return repository.NewPostgresSessionRepository(db.Pool, logger),
			repository.NewPostgresOutcomeRepository(db.Pool, logger),
			repository.NewPostgresProfileRepository(db.Pool, logger), nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Close releases the application's storage and messaging handles.
func (a *App) Close() {
	if a.Feed != nil {
		if err := a.Feed.Close(); err != nil {
			a.Log.WithField("error", err).Warn("Closing notifier failed")
		}
	}
	if a.sqliteDB != nil {
		if err := a.sqliteDB.Close(); err != nil {
			a.Log.WithField("error", err).Warn("Closing sqlite database failed")
		}
	}
	if a.pgDB != nil {
		a.pgDB.Close()
	}
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
