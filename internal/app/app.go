// Package app assembles the bot: config, logging, store, Instagram
// session, Telegram transport, publisher, notifier and scheduler, plus
// the systemd readiness handshake and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/bot"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/config"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/instagram"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/logging"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/notify"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/publish"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/sched"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/telegram"
)

type App struct {
	log      zerolog.Logger
	closeLog func() error

	cfgMgr *config.Manager
	st     *store.Store
	runner *sched.Runner
	notif  *notify.Notifier
	b      *bot.Bot
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath, zerolog.Nop())
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}

	log, closeLog := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With().Str("component", "config").Logger())
	cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := config.Resolve(c)
		return err
	})

	st, err := store.Open(store.Config{
		Path:            settings.StoragePath,
		BusyTimeout:     settings.StorageBusyTimeout,
		MinLead:         settings.MinLead,
		MaxHorizon:      settings.MaxHorizon,
		PendingPerOwner: settings.PendingPerOwner,
		MaxAttempts:     settings.MaxAttempts,
		Backoff:         settings.RetryBackoff,
	}, log.With().Str("component", "store").Logger())
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("open store: %w", err)
	}

	ig, err := instagram.New(instagram.Config{
		Username:    settings.Instagram.Username,
		Password:    settings.Instagram.Password,
		TOTPSecret:  settings.Instagram.TOTPSecret,
		SessionFile: sessionFileOr(settings.Instagram.SessionFile),
	}, log.With().Str("component", "instagram").Logger())
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, fmt.Errorf("instagram client: %w", err)
	}

	tb, err := tele.NewBot(tele.Settings{
		Token:  settings.Telegram.Token,
		Poller: &tele.LongPoller{Timeout: settings.Telegram.PollTimeout},
	})
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	src, err := telegram.NewSource(tb, settings.Telegram.DownloadsDir,
		log.With().Str("component", "telegram").Logger())
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, fmt.Errorf("media source: %w", err)
	}

	pub := publish.New(src, ig, settings.PublishTimeout,
		log.With().Str("component", "publish").Logger())

	notif := notify.New(log.With().Str("component", "notify").Logger(),
		settings.NotifierEnabled, settings.NotifierRate)

	runner := sched.NewRunner(sched.Config{
		WorkerInterval:  settings.WorkerInterval,
		RetryInterval:   settings.RetryInterval,
		CleanupInterval: settings.CleanupInterval,
		Retention:       settings.Retention,
		Location:        settings.Location,
	}, st, pub, notif, log.With().Str("component", "sched").Logger())

	b := bot.New(tb, bot.Config{
		Owners:        settings.Telegram.OwnerUserIDs,
		Location:      settings.Location,
		MinLead:       settings.MinLead,
		MaxPhotoBytes: settings.Telegram.MaxPhotoBytes,
		MaxVideoBytes: settings.Telegram.MaxVideoBytes,
	}, st, ig, pub, log.With().Str("component", "bot").Logger())
	notif.Bind(b)

	return &App{
		log:      log,
		closeLog: closeLog,
		cfgMgr:   cfgMgr,
		st:       st,
		runner:   runner,
		notif:    notif,
		b:        b,
	}, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// the pieces down in reverse order.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	go func() { _ = a.cfgMgr.Watch(ctx) }()
	go a.applyReloads(ctx)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn().Err(err).Msg("systemd readiness notification failed")
	} else if ok {
		a.log.Debug().Msg("systemd notified ready")
	}
	a.log.Info().Msg("bot running")

	a.b.Start(ctx) // blocks until ctx cancel

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.runner.Stop(stopCtx)
	if err := a.st.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
	a.log.Info().Msg("bot stopped")
	return a.closeLog()
}

// applyReloads consumes config updates. Only the log level and the
// notifier rate are applied live; credentials and transports can't be
// swapped under a running poll loop, so other changes log a restart hint.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			level := logging.ParseLevel(cfg.Logging.Level, zerolog.InfoLevel)
			zerolog.SetGlobalLevel(level)
			if cfg.Notifier != nil && cfg.Notifier.RatePerSec > 0 {
				a.notif.SetRate(cfg.Notifier.RatePerSec)
			}
			a.log.Info().Str("level", level.String()).Msg("mutable settings applied; other changes take effect on restart")
		}
	}
}

func sessionFileOr(path string) string {
	if path == "" {
		return "./ig_session.json"
	}
	return path
}
