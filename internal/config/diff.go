package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "doorbot/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = []string{"broker", "transport.connection", "storage", "systemd"}

// Change describes what a config reload touched.
type Change struct {
	Sections []string
	// Restart lists changed sections that are not hot-applied.
	Restart []string
	// Fields are safe for logging; secrets only appear as *_set booleans.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		nb := newCfg.Broker
		mark("broker",
			logx.String("broker.hostname", nb.Hostname),
			logx.Int("broker.port", nb.Port),
			logx.String("broker.recv_queue", nb.RecvQueue),
			logx.Bool("broker.password_set", nb.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Door, newCfg.Door) {
		nd := newCfg.Door
		mark("door",
			logx.Int("door.rooms", len(nd.Rooms)),
			logx.Duration("door.cooldown", nd.Cooldown.D()),
			logx.Int("door.history_cap", nd.HistoryCap),
		)
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot.Kind != nt.Kind || !reflect.DeepEqual(ot.Matrix, nt.Matrix) || !reflect.DeepEqual(ot.Telegram, nt.Telegram) || ot.CommandWorkers != nt.CommandWorkers {
		mark("transport.connection",
			logx.String("transport.kind", nt.Kind),
			logx.Bool("transport.matrix.token_set", strings.TrimSpace(nt.Matrix.AccessToken) != ""),
			logx.Bool("transport.telegram.token_set", strings.TrimSpace(nt.Telegram.Token) != ""),
		)
	}
	if !slices.Equal(ot.Owners, nt.Owners) {
		mark("transport.owners", logx.Int("transport.owner_count", len(nt.Owners)))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		nn := newCfg.Notifier
		mark("notifier",
			logx.Bool("notifier.async", nn.Async),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
			logx.Int("notifier.breaker_failures", nn.BreakerFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		nl := newCfg.Logging
		mark("logging",
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.room_enabled", nl.Room.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ns := newCfg.Storage
		mark("storage",
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.String("storage.prune_cron", ns.PruneCron),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		no := newCfg.Ops
		mark("ops",
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		mark("systemd",
			logx.Bool("systemd.notify", newCfg.Systemd.NotifyEnabled()),
			logx.Bool("systemd.watchdog", newCfg.Systemd.WatchdogEnabled()),
		)
	}

	sort.Strings(ch.Sections)
	for _, s := range ch.Sections {
		if slices.Contains(restartSections, s) {
			ch.Restart = append(ch.Restart, s)
		}
	}
	return ch
}
