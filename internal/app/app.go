// Package app wires configuration, logging, storage, the Steam client, the
// notification pipeline, the update scheduler, and the chat router into one
// process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"steamwatch/internal/bot"
	"steamwatch/internal/config"
	"steamwatch/internal/notify"
	"steamwatch/internal/runtime/supervisor"
	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
	"steamwatch/internal/transport/telegram"
	"steamwatch/internal/updater"
	logx "steamwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *telegram.Adapter
	steam   *steam.Client
	notif   *notify.Service
	checker *updater.Checker
	sched   *updater.Scheduler
	router  *bot.Router

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	stc, err := mapSteamConfig(cfg)
	if err != nil {
		return nil, err
	}
	steamCli := steam.New(stc, log.With(logx.String("comp", "steam")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, ad, log.With(logx.String("comp", "notifier")))

	ucfg, err := mapUpdaterConfig(cfg)
	if err != nil {
		return nil, err
	}
	checker := updater.NewChecker(ucfg, store, steamCli, notif, log.With(logx.String("comp", "checker")))
	sched := updater.NewScheduler(ucfg, store, checker, log.With(logx.String("comp", "scheduler")))

	router := bot.NewRouter(ad, log.With(logx.String("comp", "commands")))
	handlers := bot.NewHandlers(store, steamCli, sched, log.With(logx.String("comp", "commands")))
	router.Register(handlers.Commands(), handlers.Callbacks())

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		steam:   steamCli,
		notif:   notif,
		checker: checker,
		sched:   sched,
		router:  router,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes the reloadable slices of the config into running
// services. Storage and Telegram token changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if ucfg, err := mapUpdaterConfig(cfg); err != nil {
		a.log.Warn("invalid updater config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ucfg)
	}

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	step := func(d time.Duration, fn func(context.Context)) {
		c, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		fn(c)
	}

	// Stop producers before consumers: scheduler, adapter, then the queue.
	step(5*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step(5*time.Second, func(c context.Context) { _ = a.adapter.Stop(c) })
	step(10*time.Second, func(c context.Context) { a.notif.Stop(c) })

	if a.sup != nil {
		a.sup.Cancel()
		step(5*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("app stopped")
	return a.logs.Close()
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if n := cfg.Updater.DefaultIntervalHours; n < 0 || n > storage.MaxCheckIntervalHours {
		return fmt.Errorf("updater.default_interval_hours must be in [0,%d]", storage.MaxCheckIntervalHours)
	}
	if cfg.Notifier.Workers < 0 || cfg.Notifier.QueueSize < 0 || cfg.Notifier.RatePerSec < 0 || cfg.Notifier.RetryMax < 0 {
		return fmt.Errorf("notifier: negative values are not allowed")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"steam.cache_ttl", cfg.Steam.CacheTTL},
		{"steam.request_timeout", cfg.Steam.RequestTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"updater.warmup_delay", cfg.Updater.WarmupDelay},
		{"updater.check_timeout", cfg.Updater.CheckTimeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.dedup_window", cfg.Notifier.DedupWindow},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapSteamConfig(cfg *config.Config) (steam.Config, error) {
	ttl, err := config.ParseDurationOrDefault("steam.cache_ttl", cfg.Steam.CacheTTL, time.Hour)
	if err != nil {
		return steam.Config{}, err
	}
	reqTimeout, err := config.ParseDurationOrDefault("steam.request_timeout", cfg.Steam.RequestTimeout, 15*time.Second)
	if err != nil {
		return steam.Config{}, err
	}
	return steam.Config{
		APIKey:         cfg.Steam.APIKey,
		CacheTTL:       ttl,
		RatePerSec:     float64(cfg.Steam.RatePerSec),
		RequestTimeout: reqTimeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", cfg.Notifier.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", cfg.Notifier.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedup,
	}, nil
}

func mapUpdaterConfig(cfg *config.Config) (updater.Config, error) {
	warmup, err := config.ParseDurationOrDefault("updater.warmup_delay", cfg.Updater.WarmupDelay, time.Minute)
	if err != nil {
		return updater.Config{}, err
	}
	checkTimeout, err := config.ParseDurationOrDefault("updater.check_timeout", cfg.Updater.CheckTimeout, 2*time.Minute)
	if err != nil {
		return updater.Config{}, err
	}
	return updater.Config{
		Enabled:              cfg.Updater.Enabled,
		DefaultIntervalHours: cfg.Updater.DefaultIntervalHours,
		WarmupDelay:          warmup,
		CheckTimeout:         checkTimeout,
	}, nil
}
