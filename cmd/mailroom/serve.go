package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/mailroom/internal/api"
	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/contacts"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/mailcache"
	"github.com/nugget/mailroom/internal/mqtt"
	"github.com/nugget/mailroom/internal/opstate"
)

// runServe starts the API server, the new-mail poller and the optional
// MQTT publisher and CardDAV sync, and blocks until ctx is cancelled
// or a signal arrives.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mailroom", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"accounts", len(cfg.Email.Accounts),
	)

	if !cfg.Email.Configured() {
		return fmt.Errorf("no email accounts configured")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := email.NewManager(cfg.Email, logger)
	defer manager.Close()

	// --- Address book ---
	// Without one, recipient trust checks are disabled.
	if cfg.Contacts.Configured() {
		book, err := contacts.OpenBook(cfg.Contacts.File, logger.With("component", "contacts"))
		if err != nil {
			return err
		}
		manager.SetContactResolver(book)
		logger.Info("address book loaded", "path", cfg.Contacts.File, "contacts", len(book.Contacts()))

		if cfg.Contacts.CardDAV.Configured() {
			syncer := contacts.NewSyncer(cfg.Contacts.CardDAV, book, logger.With("component", "carddav"))
			go syncer.Run(ctx, time.Duration(cfg.Contacts.CardDAV.SyncIntervalSec)*time.Second)
		}
	} else {
		logger.Warn("no address book configured, recipient trust checks disabled")
	}

	// --- Poller state ---
	statePath := filepath.Join(cfg.DataDir, "state.db")
	state, err := opstate.Open(statePath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", statePath, err)
	}
	defer state.Close()

	// --- Folder cache ---
	var cache *mailcache.Cache
	if cfg.Cache.Enabled {
		cachePath := filepath.Join(cfg.DataDir, "cache.db")
		cache, err = mailcache.Open(cachePath, time.Duration(cfg.Cache.MaxAgeSec)*time.Second, logger.With("component", "mailcache"))
		if err != nil {
			return err
		}
		defer cache.Close()
		if _, err := cache.PurgeExpired(); err != nil {
			logger.Warn("cache purge failed", "error", err)
		}
	}

	// --- Health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	for _, name := range manager.AccountNames() {
		client, err := manager.Account(name)
		if err != nil {
			return err
		}
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "imap:" + name,
			Probe:   connwatch.PingProbe(client),
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger.With("email_account", name),
		})
	}

	// --- Notifications ---
	hub := api.NewHub(logger.With("component", "events"))
	notifiers := []email.Notifier{hub}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, manager.AccountNames(), logger.With("component", "mqtt"))
		notifiers = append(notifiers, mqttPub)

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		logger.Info("mqtt notifications enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName, "instance_id", instanceID)
	} else {
		logger.Info("mqtt notifications disabled (not configured)")
	}

	poller := email.NewPoller(manager, state, logger.With("component", "poller"), notifiers...)
	if mqttPub != nil {
		mqttPub.SetPollFunc(func(ctx context.Context) { poller.Poll(ctx) })
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}
	if interval := cfg.Email.PollInterval(); interval > 0 {
		go poller.Run(ctx, interval)
	} else {
		logger.Info("email polling disabled")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.FromManager(manager), logger)
	server.SetHub(hub)
	server.SetHealth(connMgr)
	server.SetPoller(poller.Poll)
	if cache != nil {
		server.SetCache(cache)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("mailroom stopped")
	return nil
}
