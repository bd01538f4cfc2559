package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings such as "30s" or "5m".
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Reports   ReportsConfig   `json:"reports"`
	Wizard    WizardConfig    `json:"wizard,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AllowedUserIDs restricts who may use the bot; empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	// LogChat receives WARN+ log records when logging.telegram is enabled.
	LogChat     int64  `json:"log_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Workers is the number of update handlers; default 4.
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reportbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default), postgres, file
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the IANA name of the reference wall clock; default UTC.
	Timezone       string `json:"timezone,omitempty"`
	ResyncInterval string `json:"resync_interval,omitempty"` // default 5m, "0s" disables
	FireTimeout    string `json:"fire_timeout,omitempty"`    // default 10m
}

type ReportsConfig struct {
	BaseURL       string   `json:"base_url"`
	Token         string   `json:"token,omitempty"` // do not log
	Timeout       string   `json:"timeout,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	CacheSizeMB   int      `json:"cache_size_mb,omitempty"`
	CacheTTL      string   `json:"cache_ttl,omitempty"`
	Departments   []string `json:"departments,omitempty"`
}

type WizardConfig struct {
	IdleTimeout   string `json:"idle_timeout,omitempty"`   // default 30m
	SweepInterval string `json:"sweep_interval,omitempty"` // default 1m
}

// NotifierConfig controls failure notices to owners. If the whole section
// is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:9464
}
