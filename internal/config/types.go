package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Steam    SteamConfig    `json:"steam"`
	Storage  StorageConfig  `json:"storage"`
	Updater  UpdaterConfig  `json:"updater"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// SteamConfig controls the Steam metadata client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1h").
type SteamConfig struct {
	APIKey string `json:"api_key"`
	// CacheTTL bounds how long cached API responses are served (default "1h").
	CacheTTL string `json:"cache_ttl,omitempty"`
	// RatePerSec caps outgoing requests to the Steam API (default 4).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// RequestTimeout bounds a single HTTP call (default "15s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// UpdaterConfig controls the per-user update-check scheduler.
//
// Defaults (when fields are omitted/zero):
//   - default_interval_hours: 6
//   - warmup_delay: "1m"
//   - check_timeout: "2m"
type UpdaterConfig struct {
	Enabled              bool   `json:"enabled"`
	DefaultIntervalHours int    `json:"default_interval_hours,omitempty"`
	WarmupDelay          string `json:"warmup_delay,omitempty"`
	CheckTimeout         string `json:"check_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
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
