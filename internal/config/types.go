package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Instagram InstagramConfig `json:"instagram"`
	Logging   LoggingConfig   `json:"logging"`

	// Scheduler controls the background ticks (publish worker, retry
	// sweep, cleanup) and the timezone used to interpret chat input.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Limits bounds what a single owner may schedule and how failures
	// are retried.
	Limits LimitsConfig `json:"limits"`

	Storage  StorageConfig   `json:"storage"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// DownloadsDir is where submitted media is staged before upload.
	DownloadsDir string `json:"downloads_dir,omitempty"`

	MaxPhotoBytes int64 `json:"max_photo_bytes,omitempty"`
	MaxVideoBytes int64 `json:"max_video_bytes,omitempty"`
}

type InstagramConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// TOTPSecret enables automatic two-factor codes; when empty the
	// bot asks the owner for a code instead.
	TOTPSecret  string `json:"totp_secret,omitempty"`
	SessionFile string `json:"session_file,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig durations are Go duration strings (e.g. "60s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - worker_interval: "60s"
//   - retry_interval: "5m"
//   - cleanup_interval: "24h"
//   - publish_timeout: "2m"
//   - timezone: "UTC"
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	WorkerInterval  string `json:"worker_interval,omitempty"`
	RetryInterval   string `json:"retry_interval,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
	PublishTimeout  string `json:"publish_timeout,omitempty"`
}

// LimitsConfig defaults:
//   - max_attempts: 3
//   - retry_backoff: ["5m", "15m", "1h"]
//   - retention: "720h" (30 days)
//   - pending_per_owner: 25
//   - min_lead: "1m"
//   - max_horizon: "8760h" (365 days)
type LimitsConfig struct {
	MaxAttempts     int      `json:"max_attempts,omitempty"`
	RetryBackoff    []string `json:"retry_backoff,omitempty"`
	Retention       string   `json:"retention,omitempty"`
	PendingPerOwner int      `json:"pending_per_owner,omitempty"`
	MinLead         string   `json:"min_lead,omitempty"`
	MaxHorizon      string   `json:"max_horizon,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// NotifierConfig controls owner notifications sent back through the bot.
// If the whole section is omitted, the notifier defaults to enabled with
// a rate of 3 messages per second.
type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
}
