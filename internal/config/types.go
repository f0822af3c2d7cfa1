package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Omitted values fall back to the defaults of the component that owns them.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Render        RenderConfig        `json:"render"`
	Verifier      VerifierConfig      `json:"verifier"`
	Compose       ComposeConfig       `json:"compose"`
	Bot           BotConfig           `json:"bot"`
	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout      string `json:"poll_timeout,omitempty" validate:"omitempty,duration"`
	MaxDownloadBytes int64  `json:"max_download_bytes,omitempty" validate:"gte=0"`
	// RequestTimeout bounds each Bot API request (default "30s", always above poll_timeout).
	RequestTimeout string `json:"request_timeout,omitempty" validate:"omitempty,duration"`
	APIURL         string `json:"api_url,omitempty" validate:"omitempty,url"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic disabled"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram mirrors warnings and errors into a Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chanpost.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite memory"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite only
}

type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Interval   string `json:"interval,omitempty" validate:"omitempty,duration"`    // default "30s"
	FirstDelay string `json:"first_delay,omitempty" validate:"omitempty,duration"` // default "5s"
	Workers    int    `json:"workers,omitempty" validate:"gte=0"`
	BatchSize  int    `json:"batch_size,omitempty" validate:"gte=0"`
	// ClaimLease bounds how long a claimed post may stay in flight before it
	// is declared failed (default "5m").
	ClaimLease string `json:"claim_lease,omitempty" validate:"omitempty,duration"`
}

type DeliveryConfig struct {
	Timeout    string         `json:"timeout,omitempty" validate:"omitempty,duration"` // default "20s"
	RatePerSec int            `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Buttons    []ButtonConfig `json:"buttons,omitempty" validate:"dive"`
}

// ButtonConfig is an inline URL button attached under every post.
type ButtonConfig struct {
	Text string `json:"text" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

// RenderConfig overrides the announcement wording. Blank fields keep the defaults.
type RenderConfig struct {
	Title             string `json:"title,omitempty"`
	DownloadLabel     string `json:"download_label,omitempty"`
	InstructionsLabel string `json:"instructions_label,omitempty"`
	Closing           string `json:"closing,omitempty"`
	Footer            string `json:"footer,omitempty"`
}

type VerifierConfig struct {
	Timeout string      `json:"timeout,omitempty" validate:"omitempty,duration"` // default "20s"
	Cache   CacheConfig `json:"cache"`
}

// CacheConfig selects where definite admin answers are remembered.
// Driver "" or "none" disables caching.
type CacheConfig struct {
	Driver string      `json:"driver,omitempty" validate:"omitempty,oneof=none memory redis"`
	TTL    string      `json:"ttl,omitempty" validate:"omitempty,duration"` // default "5m"
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
}

type ComposeConfig struct {
	// Timezone for operator-entered schedule times (default "Asia/Kolkata").
	Timezone string      `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Workers  int         `json:"workers,omitempty" validate:"gte=0"`
	Image    ImageConfig `json:"image"`
}

// ImageConfig controls the thumbnail letterbox canvas.
type ImageConfig struct {
	Width   int `json:"width,omitempty" validate:"gte=0"`
	Height  int `json:"height,omitempty" validate:"gte=0"`
	Quality int `json:"quality,omitempty" validate:"gte=0,lte=100"`
}

type BotConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	CommandTimeout string `json:"command_timeout,omitempty" validate:"omitempty,duration"`
	SessionTTL     string `json:"session_ttl,omitempty" validate:"omitempty,duration"`
	ListLimit      int    `json:"list_limit,omitempty" validate:"gte=0"`
}

// ObservabilityConfig controls the optional HTTP server exposing /metrics,
// /healthz and, when Pprof is set, /debug/pprof/.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address needs a token or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile can run for 30s+.
	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty" validate:"gte=0"`
}
