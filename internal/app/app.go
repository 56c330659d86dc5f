package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flow-alerts/internal/alerting"
	"flow-alerts/internal/auth"
	"flow-alerts/internal/cache"
	"flow-alerts/internal/config"
	"flow-alerts/internal/records"
	"flow-alerts/internal/scheduler"
	"flow-alerts/internal/service"
	"flow-alerts/internal/storage"
	"flow-alerts/internal/stream"
	"flow-alerts/internal/thresholds"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, path string, logger zerolog.Logger) *App {
	return &App{Config: cfg, ConfigPath: path, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier(rc *cache.Client) alerting.Notifier {
	timeout := a.Config.Alerting.Timeout
	var notifiers alerting.Multi
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, timeout, a.Logger))
	}
	if a.Config.Alerting.Discord.Enabled {
		notifiers = append(notifiers, alerting.NewDiscordNotifier(a.Config.Alerting.Discord.WebhookURL, timeout, a.Logger))
	}
	if rc != nil && a.Config.Redis.AlertChannel != "" {
		notifiers = append(notifiers, cache.NewAlertPublisher(rc, a.Config.Redis.AlertChannel))
	}
	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}

func (a *App) newDispatcher(rc *cache.Client) *alerting.Dispatcher {
	notifier := a.newNotifier(rc)
	if notifier == nil {
		return nil
	}
	return alerting.NewDispatcher(notifier, alerting.DispatcherOptions{
		Cooldown: a.Config.Alerting.Cooldown,
		Burst:    a.Config.Alerting.Burst,
		Timeout:  a.Config.Alerting.Timeout,
		Channels: a.Config.Alerting.Channels,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.Client, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	rc, err := cache.New(ctx, cache.ClientConfig{
		Addr:       a.Config.Redis.Addr,
		Password:   a.Config.Redis.Password,
		DB:         a.Config.Redis.DB,
		PoolSize:   a.Config.Redis.PoolSize,
		MaxRetries: a.Config.Redis.MaxRetries,
		TLSEnabled: a.Config.Redis.TLSEnabled,
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// newResolver keeps highlight thresholds local and notification thresholds in
// Redis when configured. Configured notification sets only fill gaps remotely.
func (a *App) newResolver(ctx context.Context, rc *cache.Client) (*thresholds.Resolver, error) {
	var notification thresholds.Repository = thresholds.NewMemory()
	if rc != nil {
		notification = cache.NewThresholdRepository(rc)
	}
	highlight := thresholds.NewMemory()

	for sym, cfg := range a.Config.Thresholds.Highlight {
		if err := highlight.Put(ctx, sym, thresholds.KindHighlight, cfg); err != nil {
			return nil, fmt.Errorf("seed highlight thresholds for %s: %w", sym, err)
		}
	}
	for sym, cfg := range a.Config.Thresholds.Notification {
		_, err := notification.Get(ctx, sym, thresholds.KindNotification)
		if err == nil {
			continue
		}
		if !errors.Is(err, thresholds.ErrNotFound) {
			return nil, fmt.Errorf("read notification thresholds for %s: %w", sym, err)
		}
		if err := notification.Put(ctx, sym, thresholds.KindNotification, cfg); err != nil {
			return nil, fmt.Errorf("seed notification thresholds for %s: %w", sym, err)
		}
	}

	return thresholds.NewResolver(notification, highlight, a.Config.Thresholds.Default), nil
}

func (a *App) newCredentials() *auth.Provider {
	cfg := a.Config.Auth
	var source auth.Source
	switch strings.ToLower(cfg.Source) {
	case "token_endpoint":
		source = auth.NewTokenEndpoint(auth.TokenEndpointOptions{
			URL:          cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Audience:     cfg.Audience,
			Timeout:      cfg.Timeout,
		})
	default:
		source = auth.EnvSource{Key: cfg.TokenEnv, EnvFile: cfg.EnvFile}
	}

	provider := auth.NewProvider(source, cfg.Timeout, a.Logger)
	if cfg.Token != "" {
		provider.Seed(cfg.Token)
	}
	return provider
}

// Run executes the long-running streaming service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	feeds, err := config.Open(a.ConfigPath, a.Logger)
	if err != nil {
		return err
	}
	feeds.Watch()

	db, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var summaries storage.SummaryStore
	var alertStore storage.AlertStore
	if db != nil {
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		summaries = db
		alertStore = db
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	rc, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	} else {
		a.Logger.Info().Msg("redis.addr not configured; notification thresholds kept in memory")
	}

	resolver, err := a.newResolver(ctx, rc)
	if err != nil {
		return err
	}

	dispatcher := a.newDispatcher(rc)
	if a.Config.Alerting.Enabled && dispatcher == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured")
	}
	defer dispatcher.Wait()

	recs := records.NewStore(a.Config.Stream.StoreLimit)
	pipeline := service.New(service.Options{
		LockKey:       a.Config.Database.AdvisoryLockKey,
		AlertsEnabled: a.Config.Alerting.Enabled,
	}, recs, resolver, dispatcher, summaries, alertStore, a.Logger)

	manager := stream.New(stream.Options{
		BackoffDelay:     a.Config.Stream.BackoffDelay,
		SettleDelay:      a.Config.Stream.SettleDelay,
		PingInterval:     a.Config.Stream.PingInterval,
		PongWait:         a.Config.Stream.PongWait,
		HandshakeTimeout: a.Config.Stream.HandshakeTimeout,
	}, feeds, a.newCredentials(), pipeline, a.Logger)

	loc, err := a.Config.Feed.Location()
	if err != nil {
		return err
	}
	rollover := scheduler.New(scheduler.Options{Name: "date_rollover", Daily: true, Location: loc}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipeline.Run(gctx)
	})
	g.Go(func() error {
		return rollover.Run(gctx, func(_ context.Context, _ time.Time) error {
			feeds.Refresh(time.Now())
			return nil
		})
	})
	if alertStore != nil && a.Config.Database.AlertRetention > 0 {
		prune := scheduler.New(scheduler.Options{Name: "alert_prune", Interval: time.Hour, AlignToStart: true}, a.Logger)
		retention := a.Config.Database.AlertRetention
		g.Go(func() error {
			return prune.Run(gctx, func(ctx context.Context, bucket time.Time) error {
				return alertStore.DeleteAlertsBefore(ctx, bucket.Add(-retention))
			})
		})
	}
	g.Go(func() error {
		a.logStates(gctx, manager, pipeline)
		return nil
	})
	g.Go(func() error {
		manager.Start(gctx)
		if err := manager.Connect(); err != nil && !errors.Is(err, stream.ErrClosed) {
			return err
		}
		<-gctx.Done()
		return manager.Close()
	})

	a.Logger.Info().Str("symbol", feeds.Feed().Symbol).Str("date", feeds.Feed().Date).Msg("starting streaming service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("streaming service stopped")
	return nil
}

func (a *App) logStates(ctx context.Context, manager *stream.Manager, pipeline *service.Pipeline) {
	states, release := manager.Subscribe()
	defer release()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			event := a.Logger.Info()
			if st.Phase == stream.PhaseError {
				event = a.Logger.Warn()
			}
			stats := pipeline.Stats()
			event.Str("phase", st.Phase.String()).
				Str("reason", st.Reason()).
				Str("session", st.Session).
				Int64("records", stats.Received).
				Int64("alerts", stats.Alerts).
				Msg("connection state changed")
		}
	}
}

// ExportOptions hold parameters for exporting archived summaries.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol string
	Limit  int
	Alerts bool
}

// EvaluateOptions configure the evaluate command.
type EvaluateOptions struct {
	Symbol string
	Frame  []byte
	Send   bool
}
