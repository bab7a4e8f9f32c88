package config

// Config is the daemon configuration. All durations are Go duration strings
// ("500ms", "15s", "2m"). Fields holding secrets accept ${ENV} references.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Transport TransportConfig `json:"transport"`
	Backend   *BackendConfig  `json:"backend,omitempty"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Alerts    AlertsConfig    `json:"alerts"`
	Surface   SurfaceConfig   `json:"surface"`
	Logging   LoggingConfig   `json:"logging"`
}

// SessionConfig is the authenticated actor. Backend records name the same
// person under several ids; list every one that is known.
type SessionConfig struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	EmpID  string `json:"emp_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Token  string `json:"token,omitempty"` // do not log
}

// TransportConfig selects the push channel.
//
// Driver values:
//   - "websocket": socket.io-style JSON frames over gorilla/websocket
//   - "nats": one subject per event under subject_prefix.<actor>
//   - "" or "none": poll-only
type TransportConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url,omitempty"`
	Token  string `json:"token,omitempty"` // default: session.token

	JoinEvent     string `json:"join_event,omitempty"`     // websocket
	PingInterval  string `json:"ping_interval,omitempty"`  // websocket
	SubjectPrefix string `json:"subject_prefix,omitempty"` // nats

	MinBackoff  string `json:"min_backoff,omitempty"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
	MaxFailures int    `json:"max_failures,omitempty"` // 0 = retry forever
}

// BackendConfig is the request/response API polled for missed messages.
// Omit the section to run push-only.
type BackendConfig struct {
	BaseURL     string         `json:"base_url"`
	Token       string         `json:"token,omitempty"` // default: session.token
	Sources     []SourceConfig `json:"sources,omitempty"`
	ProfilePath string         `json:"profile_path,omitempty"`

	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	MaxRetries int     `json:"max_retries,omitempty"`
}

// SourceConfig is one family of threads: how to list the active ones and
// where to read each history. {actor} and {thread} are substituted.
type SourceConfig struct {
	List    string `json:"list"`
	History string `json:"history"`
	Kind    string `json:"kind"`
}

// PipelineConfig tunes normalization, admission and presentation.
type PipelineConfig struct {
	// Events maps push event names to kinds; Ignore drops names outright.
	Events map[string]string `json:"events,omitempty"`
	Ignore []string          `json:"ignore,omitempty"`

	Capacity int               `json:"capacity,omitempty"` // default 8
	TTL      map[string]string `json:"ttl,omitempty"`      // per kind

	// Horizon is the oldest event still shown. "off" disables the check.
	Horizon       string `json:"horizon,omitempty"`
	SeenCapacity  int    `json:"seen_capacity,omitempty"`
	SeenRetention string `json:"seen_retention,omitempty"`

	// PollSchedule is an interval ("15s"), a wall-clock period ("00:05")
	// or a cron spec ("*/30 * * * * *").
	PollSchedule string `json:"poll_schedule,omitempty"`
	PollTimeout  string `json:"poll_timeout,omitempty"`

	EffectsPerSec float64 `json:"effects_per_sec,omitempty"`
	EffectsBurst  int     `json:"effects_burst,omitempty"`

	EnrichTimeout string `json:"enrich_timeout,omitempty"`
	EnrichTTL     string `json:"enrich_ttl,omitempty"`
	EnrichMax     int    `json:"enrich_max,omitempty"`
}

// StorageConfig controls seen-set persistence and the audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./haulnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

// AlertsConfig lists the side channels fired for each accepted notification.
type AlertsConfig struct {
	Bell     bool            `json:"bell,omitempty"`
	Command  *CommandConfig  `json:"command,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// CommandConfig runs an external program. Args may use {title}, {message},
// {kind}, {thread} and {id}.
type CommandConfig struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// TelegramConfig mirrors notifications to a chat.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"` // do not log
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	Buttons     bool   `json:"buttons,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// Kinds restricts which kinds are mirrored; empty means all.
	Kinds []string `json:"kinds,omitempty"`

	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    int     `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
}

// SurfaceConfig controls how the queue is presented.
type SurfaceConfig struct {
	Console bool `json:"console"`
	Verbose bool `json:"verbose,omitempty"`

	// Navigate opens a notification's thread, e.g. xdg-open with a URL
	// template containing {thread}.
	Navigate *CommandConfig `json:"navigate,omitempty"`

	HTTP HTTPConfig `json:"http"`
}

// HTTPConfig is the local API listener, which also serves /metrics,
// /healthz and optionally pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8787").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
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
