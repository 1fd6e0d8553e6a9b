package app

import (
	"fmt"

	"doorbot/internal/broker"
	"doorbot/internal/config"
	"doorbot/internal/door"
	"doorbot/internal/notifier"
	"doorbot/internal/observability/ops"
	"doorbot/internal/runtime/sdnotify"
	"doorbot/internal/storage"
	kit "doorbot/internal/transport"
	"doorbot/internal/transport/matrix"
	telegram "doorbot/internal/transport/telegram/adapter"
	logx "doorbot/pkg/logx"
)

// Mappers from the file config to each component's own Config.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Room: logx.RoomConfig{
			Enabled:    l.Room.Enabled,
			Room:       l.Room.Room,
			MinLevel:   l.Room.MinLevel,
			RatePerSec: l.Room.RatePerSec,
		},
	}
}

func mapFilterConfig(cfg *config.Config) door.Config {
	d := cfg.Door
	grace := door.DefaultGrace
	if d.Grace != nil {
		grace = d.Grace.D()
	}
	return door.Config{
		Rooms:            append([]string(nil), d.Rooms...),
		Cooldown:         d.Cooldown.D(),
		Grace:            grace,
		AnnounceTemplate: d.AnnounceTemplate,
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Async:           n.Async,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase.D(),
		RetryMaxDelay:   n.RetryMaxDelay.D(),
		SendTimeout:     n.SendTimeout.D(),
		BreakerFailures: n.BreakerFailures,
		BreakerTimeout:  n.BreakerTimeout.D(),
	}
}

func mapBrokerConfig(cfg *config.Config) (broker.Config, broker.AMQPConfig) {
	b := cfg.Broker
	return broker.Config{
			Queue:      b.RecvQueue,
			Prefetch:   b.Prefetch,
			BackoffMin: b.BackoffMin.D(),
			BackoffMax: b.BackoffMax.D(),
		}, broker.AMQPConfig{
			Hostname:       b.Hostname,
			Port:           b.Port,
			Username:       b.Username,
			Password:       b.Password,
			Vhost:          b.Vhost,
			DialTimeout:    b.DialTimeout.D(),
			Heartbeat:      b.Heartbeat.D(),
			ConnectionName: b.ConnectionName,
		}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	s := cfg.Storage
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: s.BusyTimeout.D()}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   o.ReadTimeout.D(),
		WriteTimeout:  o.WriteTimeout.D(),
		IdleTimeout:   o.IdleTimeout.D(),
	}
}

func mapSystemdConfig(cfg *config.Config) sdnotify.Config {
	return sdnotify.Config{Notify: cfg.Systemd.NotifyEnabled(), Watchdog: cfg.Systemd.WatchdogEnabled()}
}

// newAdapter builds the chat transport named by transport.kind.
func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	t := cfg.Transport
	switch t.Kind {
	case config.TransportMatrix:
		return matrix.New(matrix.Config{
			Homeserver:  t.Matrix.Homeserver,
			AccessToken: t.Matrix.AccessToken,
			UserID:      t.Matrix.UserID,
			SyncTimeout: t.Matrix.SyncTimeout.D(),
		}, log.With(logx.String("comp", "matrix")))
	case config.TransportTelegram:
		return telegram.New(telegram.Config{
			Token:       t.Telegram.Token,
			PollTimeout: t.Telegram.PollTimeout.D(),
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}
