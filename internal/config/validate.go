package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("invalid config")

const (
	TransportMatrix   = "matrix"
	TransportTelegram = "telegram"

	StorageNone   = "none"
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	DefaultOpsAddr = "127.0.0.1:9099"
)

// ApplyDefaults fills every omitted setting.
func (c *Config) ApplyDefaults() {
	b := &c.Broker
	if b.Port == 0 {
		b.Port = 5672
	}
	if strings.TrimSpace(b.Vhost) == "" {
		b.Vhost = "/"
	}
	if b.Prefetch <= 0 {
		b.Prefetch = 1
	}
	b.BackoffMin = orDefault(b.BackoffMin, 500*time.Millisecond)
	b.BackoffMax = orDefault(b.BackoffMax, 30*time.Second)
	b.DialTimeout = orDefault(b.DialTimeout, 10*time.Second)
	b.Heartbeat = orDefault(b.Heartbeat, 10*time.Second)
	if strings.TrimSpace(b.ConnectionName) == "" {
		b.ConnectionName = "doorbot"
	}

	d := &c.Door
	d.Cooldown = orDefault(d.Cooldown, 120*time.Second)
	if d.Grace == nil {
		g := Duration(15 * time.Second)
		d.Grace = &g
	}
	if d.HistoryCap <= 0 {
		d.HistoryCap = 25
	}
	if strings.TrimSpace(d.AnnounceTemplate) == "" {
		d.AnnounceTemplate = "{name} entered the space"
	}

	t := &c.Transport
	t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
	if t.Kind == "" {
		t.Kind = TransportMatrix
	}
	t.Matrix.SyncTimeout = orDefault(t.Matrix.SyncTimeout, 30*time.Second)
	t.Telegram.PollTimeout = orDefault(t.Telegram.PollTimeout, 10*time.Second)
	if t.CommandWorkers <= 0 {
		t.CommandWorkers = 2
	}

	n := &c.Notifier
	if n.Workers <= 0 {
		n.Workers = 1
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 64
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 5
	}
	n.RetryBase = orDefault(n.RetryBase, 500*time.Millisecond)
	n.RetryMaxDelay = orDefault(n.RetryMaxDelay, 10*time.Second)
	n.SendTimeout = orDefault(n.SendTimeout, 10*time.Second)
	if n.BreakerFailures <= 0 {
		n.BreakerFailures = 5
	}
	n.BreakerTimeout = orDefault(n.BreakerTimeout, 30*time.Second)

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}

	s := &c.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = StorageNone
	}
	s.BusyTimeout = orDefault(s.BusyTimeout, 5*time.Second)
	s.Retention = orDefault(s.Retention, 30*24*time.Hour)
	if strings.TrimSpace(s.PruneCron) == "" {
		s.PruneCron = "@daily"
	}

	o := &c.Ops
	if strings.TrimSpace(o.Addr) == "" {
		o.Addr = DefaultOpsAddr
	}
	o.ReadTimeout = orDefault(o.ReadTimeout, 5*time.Second)
	o.IdleTimeout = orDefault(o.IdleTimeout, 60*time.Second)
}

// Validate checks a defaulted config. Every problem is reported with its key
// path; the result wraps ErrInvalid.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	bad := func(path, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
	}

	b := c.Broker
	if strings.TrimSpace(b.Hostname) == "" {
		bad("broker.hostname", "required")
	}
	if b.Port < 1 || b.Port > 65535 {
		bad("broker.port", "out of range: %d", b.Port)
	}
	if strings.TrimSpace(b.RecvQueue) == "" {
		bad("broker.recv_queue", "required")
	}
	if b.BackoffMin > b.BackoffMax {
		bad("broker.backoff_min", "greater than backoff_max (%s > %s)", b.BackoffMin.D(), b.BackoffMax.D())
	}

	if c.Door.HistoryCap < 1 {
		bad("door.history_cap", "must be >= 1")
	}
	if !strings.Contains(c.Door.AnnounceTemplate, "{name}") {
		bad("door.announce_template", "must contain {name}")
	}

	t := c.Transport
	switch t.Kind {
	case TransportMatrix:
		if strings.TrimSpace(t.Matrix.Homeserver) == "" {
			bad("transport.matrix.homeserver", "required")
		} else if !strings.HasPrefix(t.Matrix.Homeserver, "https://") && !strings.HasPrefix(t.Matrix.Homeserver, "http://") {
			bad("transport.matrix.homeserver", "must be an http(s) URL")
		}
		if strings.TrimSpace(t.Matrix.AccessToken) == "" {
			bad("transport.matrix.access_token", "required")
		}
	case TransportTelegram:
		if strings.TrimSpace(t.Telegram.Token) == "" {
			bad("transport.telegram.token", "required")
		}
	default:
		bad("transport.kind", "unknown transport %q (want matrix or telegram)", t.Kind)
	}

	n := c.Notifier
	if n.RetryMax < 0 {
		bad("notifier.retry_max", "must be >= 0")
	}
	if n.RetryBase > n.RetryMaxDelay {
		bad("notifier.retry_base", "greater than retry_max_delay")
	}

	if !validLevel(c.Logging.Level) {
		bad("logging.level", "unknown level %q", c.Logging.Level)
	}
	if c.Logging.Room.Enabled && strings.TrimSpace(c.Logging.Room.Room) == "" {
		bad("logging.room.room", "required when logging.room.enabled")
	}
	if c.Logging.Room.MinLevel != "" && !validLevel(c.Logging.Room.MinLevel) {
		bad("logging.room.min_level", "unknown level %q", c.Logging.Room.MinLevel)
	}

	s := c.Storage
	switch s.Driver {
	case StorageNone:
	case StorageFile, StorageSQLite:
		if strings.TrimSpace(s.Path) == "" {
			bad("storage.path", "required for driver %q", s.Driver)
		}
		if _, err := cron.ParseStandard(s.PruneCron); err != nil {
			bad("storage.prune_cron", "%v", err)
		}
	default:
		bad("storage.driver", "unknown driver %q (want none, file or sqlite)", s.Driver)
	}

	o := c.Ops
	if o.Enabled {
		host, _, err := net.SplitHostPort(o.Addr)
		if err != nil {
			bad("ops.addr", "%v", err)
		} else if !isLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			bad("ops.addr", "%q is not loopback; set ops.token or ops.allow_insecure", o.Addr)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Warnings lists problems that do not stop the bot, such as announce rooms
// without the "!" sigil (they are skipped at announce time).
func Warnings(c *Config) []string {
	var out []string
	for i, r := range c.Door.Rooms {
		if len(r) < 2 || !strings.HasPrefix(r, "!") {
			out = append(out, fmt.Sprintf("door.rooms[%d]: %q is not a room id and will be skipped", i, r))
		}
	}
	if len(c.Door.Rooms) == 0 {
		out = append(out, "door.rooms: empty, unlocks will not be announced")
	}
	return out
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
