package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
// Secrets may be left empty in the file and supplied through the
// environment (see ApplyEnv).
type Config struct {
	Telegram     TelegramConfig  `json:"telegram"`
	HTTP         HTTPConfig      `json:"http"`
	Destinations []Destination   `json:"destinations"`
	Auction      AuctionConfig   `json:"auction,omitempty"`
	Publish      PublishConfig   `json:"publish,omitempty"`
	Cleanup      CleanupConfig   `json:"cleanup,omitempty"`
	Retention    RetentionConfig `json:"retention,omitempty"`
	Storage      StorageConfig   `json:"storage"`
	Logging      LoggingConfig   `json:"logging"`
	Debug        DebugConfig     `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"` // do not log
	// APIURL overrides the Bot API endpoint (default https://api.telegram.org).
	APIURL string `json:"api_url,omitempty"`
	// SendTimeout bounds one Bot API call, uploads included. Default "120s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

// HTTPConfig controls the operator API.
type HTTPConfig struct {
	Addr          string   `json:"addr,omitempty"`           // default: ":8000"
	AdminPassword string   `json:"admin_password,omitempty"` // bearer token, do not log
	CORSOrigins   []string `json:"cors_origins,omitempty"`   // default: ["*"]
	ReadTimeout   string   `json:"read_timeout,omitempty"`
	WriteTimeout  string   `json:"write_timeout,omitempty"`
	// StaticDir serves the web UI build when set.
	StaticDir string `json:"static_dir,omitempty"`
}

// Destination is a chat the operator may publish to.
type Destination struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ThreadID int    `json:"message_thread_id,omitempty"`
}

type AuctionConfig struct {
	APIURL       string `json:"api_url,omitempty"`
	ImageHost    string `json:"image_host,omitempty"`
	SiteURL      string `json:"site_url,omitempty"`
	ListTimeout  string `json:"list_timeout,omitempty"`  // default "30s"
	PhotoTimeout string `json:"photo_timeout,omitempty"` // default "10s"
	PageSize     int    `json:"page_size,omitempty"`     // default 100
}

// PublishConfig tunes the batch pipeline.
//
// Defaults (when fields are omitted/zero):
//   - pace: "2s"
//   - max_attempts: 3
//   - network_backoff: "5s"
//   - error_backoff: "3s"
//   - image.max_dimension: 1600
//   - image.quality: 85
//   - image.fetch_timeout: "15s"
type PublishConfig struct {
	Pace           string      `json:"pace,omitempty"`
	MaxAttempts    int         `json:"max_attempts,omitempty"`
	NetworkBackoff string      `json:"network_backoff,omitempty"`
	ErrorBackoff   string      `json:"error_backoff,omitempty"`
	Image          ImageConfig `json:"image,omitempty"`
}

type ImageConfig struct {
	MaxDimension int    `json:"max_dimension,omitempty"`
	Quality      int    `json:"quality,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	MaxBytes     int64  `json:"max_bytes,omitempty"`
	// MaxPixels refuses images whose declared size exceeds it. Default 50M.
	MaxPixels int64 `json:"max_pixels,omitempty"`
}

type CleanupConfig struct {
	// RatePerSec paces bulk deletes. Default 20.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// RetentionConfig deletes old batches on a schedule.
//
// Example:
//
//	"retention": { "enabled": true, "schedule": "0 4 * * *", "max_age": "168h" }
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	MaxAge   string `json:"max_age,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// BufferSize is the number of recent lines served by /api/logs.
	BufferSize int `json:"buffer_size,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type DebugConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig enables net/http/pprof on its own listener.
// Default addr "127.0.0.1:6060"; any other host needs a token.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}
