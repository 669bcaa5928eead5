package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Settings is the resolved runtime view of a Config: duration strings
// parsed, timezone loaded, defaults applied. Components take Settings
// values so they never re-parse config fields.
type Settings struct {
	Telegram struct {
		Token         string
		OwnerUserIDs  []int64
		PollTimeout   time.Duration
		DownloadsDir  string
		MaxPhotoBytes int64
		MaxVideoBytes int64
	}

	Instagram InstagramConfig

	Location *time.Location

	WorkerInterval  time.Duration
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	PublishTimeout  time.Duration

	MaxAttempts     int
	RetryBackoff    []time.Duration
	Retention       time.Duration
	PendingPerOwner int
	MinLead         time.Duration
	MaxHorizon      time.Duration

	StoragePath        string
	StorageBusyTimeout time.Duration

	NotifierEnabled bool
	NotifierRate    int
}

// Resolve validates cfg and applies defaults. It is the single place
// where raw config strings become typed values.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, errors.New("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return nil, errors.New("telegram.owner_user_ids must list at least one user")
	}
	if strings.TrimSpace(cfg.Instagram.Username) == "" || strings.TrimSpace(cfg.Instagram.Password) == "" {
		return nil, errors.New("instagram.username and instagram.password are required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return nil, errors.New("storage.path is required")
	}

	s := &Settings{}
	s.Telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	s.Telegram.OwnerUserIDs = cfg.Telegram.OwnerUserIDs
	s.Telegram.DownloadsDir = orDefault(cfg.Telegram.DownloadsDir, "./downloads")
	s.Telegram.MaxPhotoBytes = orDefaultInt64(cfg.Telegram.MaxPhotoBytes, 8<<20)
	s.Telegram.MaxVideoBytes = orDefaultInt64(cfg.Telegram.MaxVideoBytes, 50<<20)
	s.Instagram = cfg.Instagram

	var err error
	if s.Telegram.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return nil, err
	}

	tz := orDefault(cfg.Scheduler.Timezone, "UTC")
	if s.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	if s.WorkerInterval, err = ParseDurationOrDefault("scheduler.worker_interval", cfg.Scheduler.WorkerInterval, 60*time.Second); err != nil {
		return nil, err
	}
	if s.RetryInterval, err = ParseDurationOrDefault("scheduler.retry_interval", cfg.Scheduler.RetryInterval, 5*time.Minute); err != nil {
		return nil, err
	}
	if s.CleanupInterval, err = ParseDurationOrDefault("scheduler.cleanup_interval", cfg.Scheduler.CleanupInterval, 24*time.Hour); err != nil {
		return nil, err
	}
	if s.PublishTimeout, err = ParseDurationOrDefault("scheduler.publish_timeout", cfg.Scheduler.PublishTimeout, 2*time.Minute); err != nil {
		return nil, err
	}

	s.MaxAttempts = cfg.Limits.MaxAttempts
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if len(cfg.Limits.RetryBackoff) == 0 {
		s.RetryBackoff = []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}
	} else {
		for i, raw := range cfg.Limits.RetryBackoff {
			d, err := ParseDurationField(fmt.Sprintf("limits.retry_backoff[%d]", i), raw)
			if err != nil {
				return nil, err
			}
			if d <= 0 {
				return nil, fmt.Errorf("limits.retry_backoff[%d]: must be > 0", i)
			}
			s.RetryBackoff = append(s.RetryBackoff, d)
		}
	}
	if s.Retention, err = ParseDurationOrDefault("limits.retention", cfg.Limits.Retention, 720*time.Hour); err != nil {
		return nil, err
	}
	s.PendingPerOwner = cfg.Limits.PendingPerOwner
	if s.PendingPerOwner <= 0 {
		s.PendingPerOwner = 25
	}
	if s.MinLead, err = ParseDurationOrDefault("limits.min_lead", cfg.Limits.MinLead, time.Minute); err != nil {
		return nil, err
	}
	if s.MaxHorizon, err = ParseDurationOrDefault("limits.max_horizon", cfg.Limits.MaxHorizon, 8760*time.Hour); err != nil {
		return nil, err
	}
	if s.MinLead >= s.MaxHorizon {
		return nil, errors.New("limits.min_lead must be smaller than limits.max_horizon")
	}

	s.StoragePath = cfg.Storage.Path
	if s.StorageBusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return nil, err
	}

	s.NotifierEnabled = true
	s.NotifierRate = 3
	if cfg.Notifier != nil {
		s.NotifierEnabled = cfg.Notifier.Enabled
		if cfg.Notifier.RatePerSec > 0 {
			s.NotifierRate = cfg.Notifier.RatePerSec
		}
	}
	return s, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func orDefaultInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
