// Package sdnotify reports readiness and liveness to systemd.
//
// READY=1 is sent once, on the first transition to CONSUMING. Every broker
// state change is mirrored as STATUS=. When the unit sets WatchdogSec,
// WATCHDOG=1 is sent at half the interval while the supervisor is healthy.
package sdnotify

import (
	"context"
	"time"

	"doorbot/internal/eventbus"
	rtsup "doorbot/internal/runtime/supervisor"
	logx "doorbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

const readyState = "CONSUMING"

type Config struct {
	Notify   bool
	Watchdog bool
}

// Notifier is the subset of go-systemd used here.
type Notifier interface {
	Notify(state string) (bool, error)
	WatchdogInterval() (time.Duration, error)
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (systemdNotifier) WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// Systemd returns the real NOTIFY_SOCKET notifier.
func Systemd() Notifier { return systemdNotifier{} }

type Service struct {
	cfg Config
	n   Notifier
	bus eventbus.Bus
	log logx.Logger
	sup *rtsup.Supervisor

	// healthy gates watchdog pings; nil means always healthy.
	healthy func() bool
}

func New(cfg Config, n Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if n == nil {
		n = Systemd()
	}
	return &Service{cfg: cfg, n: n, bus: bus, log: log.With(logx.String("comp", "sdnotify"))}
}

// SetHealthCheck installs the watchdog gate. Call before Start.
func (s *Service) SetHealthCheck(fn func() bool) { s.healthy = fn }

func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Notify || s.bus == nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	ch, unsub := s.bus.Subscribe(16, "broker.")
	s.sup.Go0("sdnotify.status", func(ctx context.Context) {
		defer unsub()
		s.statusLoop(ctx, ch)
	})

	if !s.cfg.Watchdog {
		return
	}
	every, err := s.n.WatchdogInterval()
	if err != nil {
		s.log.Warn("watchdog interval unavailable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	s.sup.Go0("sdnotify.watchdog", func(ctx context.Context) { s.watchdogLoop(ctx, every/2) })
	s.log.Info("watchdog enabled", logx.Duration("interval", every))
}

func (s *Service) statusLoop(ctx context.Context, ch <-chan eventbus.Event) {
	ready := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.BrokerState {
				continue
			}
			state, _ := ev.Data.(string)
			if state == "" {
				continue
			}
			msg := "STATUS=broker " + state
			if !ready && state == readyState {
				ready = true
				msg = daemon.SdNotifyReady + "\n" + msg
				s.log.Info("signalling ready")
			}
			s.send(msg)
		}
	}
}

func (s *Service) watchdogLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.healthy != nil && !s.healthy() {
				s.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			s.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (s *Service) send(state string) {
	if _, err := s.n.Notify(state); err != nil {
		s.log.Debug("sd_notify failed", logx.Err(err))
	}
}

// Stop sends STOPPING=1 and waits for the loops.
func (s *Service) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.send(daemon.SdNotifyStopping)
	_ = s.sup.Stop(ctx)
}
