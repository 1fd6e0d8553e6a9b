package config

// Config is the whole doorbot configuration. Files are decoded strictly:
// unknown keys and trailing data are errors.
//
// All durations are Go duration strings ("500ms", "2m"). A bare number is
// read as seconds, so the door controller's historic `"cooldown": 120`
// keeps working.
type Config struct {
	Broker    BrokerConfig    `json:"broker"`
	Door      DoorConfig      `json:"door"`
	Transport TransportConfig `json:"transport"`
	Notifier  NotifierConfig  `json:"notifier"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops"`
	Systemd   SystemdConfig   `json:"systemd"`
}

// BrokerConfig points at the AMQP 0-9-1 broker the door controller publishes to.
type BrokerConfig struct {
	Hostname       string   `json:"hostname"`
	Port           int      `json:"port,omitempty"` // default 5672
	Username       string   `json:"username"`
	Password       string   `json:"password"` // never logged
	Vhost          string   `json:"vhost,omitempty"`
	RecvQueue      string   `json:"recv_queue"`
	Prefetch       int      `json:"prefetch,omitempty"`
	BackoffMin     Duration `json:"backoff_min,omitempty"`
	BackoffMax     Duration `json:"backoff_max,omitempty"`
	DialTimeout    Duration `json:"dial_timeout,omitempty"`
	Heartbeat      Duration `json:"heartbeat,omitempty"`
	ConnectionName string   `json:"connection_name,omitempty"`
}

type DoorConfig struct {
	// Rooms receive announcements. Ids must carry the "!" sigil; others are
	// skipped with a warning at announce time.
	Rooms    []string `json:"rooms"`
	Cooldown Duration `json:"cooldown,omitempty"` // default 120s
	// Grace is a pointer so "0s" can switch the startup grace off.
	Grace            *Duration `json:"grace,omitempty"` // default 15s
	HistoryCap       int       `json:"history_cap,omitempty"`
	AnnounceTemplate string    `json:"announce_template,omitempty"`
}

// TransportConfig selects the chat network.
type TransportConfig struct {
	Kind     string         `json:"kind"` // "matrix" (default) or "telegram"
	Matrix   MatrixConfig   `json:"matrix"`
	Telegram TelegramConfig `json:"telegram"`
	// Owners may run owner-only commands. Matrix user ids ("@ops:example.org")
	// or Telegram numeric user ids as strings.
	Owners         []string `json:"owners,omitempty"`
	CommandWorkers int      `json:"command_workers,omitempty"`
}

type MatrixConfig struct {
	Homeserver  string   `json:"homeserver"`
	AccessToken string   `json:"access_token"` // never logged
	UserID      string   `json:"user_id,omitempty"`
	SyncTimeout Duration `json:"sync_timeout,omitempty"`
}

type TelegramConfig struct {
	Token       string   `json:"token"` // never logged
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

// NotifierConfig controls announcement delivery.
//
// By default delivery is inline: a slow room blocks the consumer and a failed
// send is not retried. Async moves delivery onto a worker queue.
type NotifierConfig struct {
	Async           bool     `json:"async,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration `json:"retry_max_delay,omitempty"`
	SendTimeout     Duration `json:"send_timeout,omitempty"`
	BreakerFailures int      `json:"breaker_failures,omitempty"`
	BreakerTimeout  Duration `json:"breaker_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Room    LoggingRoom `json:"room"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRoom mirrors WARN+ log lines into a chat room.
type LoggingRoom struct {
	Enabled    bool   `json:"enabled"`
	Room       string `json:"room"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the unlock audit journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./doorbot.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string   `json:"driver"` // none (default), file, sqlite
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
	Retention   Duration `json:"retention,omitempty"`
	PruneCron   string   `json:"prune_cron,omitempty"`
}

// OpsConfig controls the operator HTTP server (/healthz, /readyz, /metrics,
// /door/last and optionally pprof).
//
// Prefer a loopback address. Binding elsewhere needs a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`
	ReadTimeout   Duration `json:"read_timeout,omitempty"`
	WriteTimeout  Duration `json:"write_timeout,omitempty"`
	IdleTimeout   Duration `json:"idle_timeout,omitempty"`
}

// SystemdConfig controls sd_notify integration. Both default to on; they
// are no-ops outside a Type=notify unit.
type SystemdConfig struct {
	Notify   *bool `json:"notify,omitempty"`
	Watchdog *bool `json:"watchdog,omitempty"`
}

func (s SystemdConfig) NotifyEnabled() bool   { return s.Notify == nil || *s.Notify }
func (s SystemdConfig) WatchdogEnabled() bool { return s.Watchdog == nil || *s.Watchdog }
