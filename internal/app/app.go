package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BWC4WIFE/Trans2Thai/internal/eventlog"
	"github.com/BWC4WIFE/Trans2Thai/internal/gemini"
	"github.com/BWC4WIFE/Trans2Thai/internal/httpapi"
	"github.com/BWC4WIFE/Trans2Thai/internal/metrics"
	"github.com/BWC4WIFE/Trans2Thai/internal/session"
	"github.com/BWC4WIFE/Trans2Thai/internal/store"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	sessions *httpapi.SessionRegistry
}

// New wires the application. Without DATABASE_URL settings live in memory
// and transcripts are not persisted.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var err error
		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := store.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set, settings are kept in memory and transcripts are not saved")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store.New(db, cfg.Defaults()),
		eventLog: eventlog.New(db),
		registry: registry,
		metrics:  metrics.New(registry),
		sessions: httpapi.NewSessionRegistry(cfg.MaxSessions),
	}, nil
}

// Dialer opens connections to the live translation service.
func (a *App) Dialer() session.Dialer {
	d := gemini.NewDialer(gemini.DialerConfig{URL: a.cfg.GeminiURL}, a.logger.WithPrefix("gemini"))
	return session.DialerFunc(func(ctx context.Context, apiKey string) (session.Transport, error) {
		conn, err := d.Dial(ctx, apiKey)
		if err != nil {
			// Keep the interface nil rather than wrapping a nil *Conn.
			return nil, err
		}
		return conn, nil
	})
}

// SessionConfig is the template every session is built from.
func (a *App) SessionConfig() session.Config {
	cfg := session.Config{
		Dialer:              a.Dialer(),
		Settings:            a.store,
		Events:              a.eventLog,
		Metrics:             a.metrics,
		Logger:              a.logger.WithPrefix("session"),
		Backoff:             a.cfg.Backoff(),
		ConnectTimeout:      a.cfg.ConnectTimeout,
		MaxBufferedPlayback: a.cfg.PlaybackMaxBuffered,
	}
	if a.db != nil {
		cfg.Turns = a.store
	}
	return cfg
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:         a.cfg.JWTSecret,
		Session:           a.SessionConfig(),
		DiscordWebhookURL: a.cfg.DiscordWebhookURL,
		Gatherer:          a.registry,
	}
	return httpapi.NewRouter(routerCfg, a.logger.WithPrefix("httpapi"), a.store, a.sessions)
}

// Sessions returns the registry of bridged sessions, used for draining on
// shutdown.
func (a *App) Sessions() *httpapi.SessionRegistry {
	return a.sessions
}

// Store returns the settings and transcript store.
func (a *App) Store() *store.Store {
	return a.store
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
