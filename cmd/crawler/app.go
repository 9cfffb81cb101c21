package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/crawler"
	"github.com/blockedby/tg-crawler/internal/database"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/nats"
	"github.com/blockedby/tg-crawler/internal/publisher"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// app holds everything a crawling command needs.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.DB
	tg      *telegram.Manager
	client  *telegram.Client
	nc      *nats.Client
	session *crawler.Session
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig loads configuration and initializes the global logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger.Get(), nil
}

// openApp connects the telegram session, NATS (when configured) and the
// stores. requireReady fails early when no logged-in session exists.
func openApp(ctx context.Context, requireReady bool) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		return nil, errors.New("TG_API_ID and TG_API_HASH are required")
	}

	a := &app{cfg: cfg, log: log}

	a.db, err = database.Open(cfg.SessionDB)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	a.tg = telegram.NewManager(cfg, a.db.GORM)
	if err := a.tg.Init(ctx); err != nil {
		log.Error().Err(err).Msg("telegram manager init failed")
	}
	a.client = telegram.NewClient(a.tg)
	if requireReady {
		if err := a.tg.RequireReady(); err != nil {
			a.Close()
			return nil, fmt.Errorf("%w (run tg-auth first)", err)
		}
	}

	var pub crawler.Publisher
	if cfg.NatsURL != "" {
		a.nc, err = nats.New(ctx, cfg.NatsURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else if err := a.nc.EnsureDiscoveryStream(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to ensure discovery stream, publishing disabled")
			a.nc.Close()
			a.nc = nil
		} else {
			pub = publisher.NewNATSPublisher(a.nc)
		}
	}

	a.session, err = crawler.Open(cfg, a.client, pub, clock.Real{}, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close stores")
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
