package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"doorbot/internal/broker"
	"doorbot/internal/commands"
	"doorbot/internal/config"
	"doorbot/internal/door"
	"doorbot/internal/eventbus"
	"doorbot/internal/notifier"
	"doorbot/internal/observability/ops"
	"doorbot/internal/runtime/sdnotify"
	rtsup "doorbot/internal/runtime/supervisor"
	"doorbot/internal/scheduler"
	"doorbot/internal/storage"
	kit "doorbot/internal/transport"
	logx "doorbot/pkg/logx"
)

const pruneJob = "journal.prune"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	history *door.History
	filter  *door.Filter
	notif   *notifier.Service
	broker  *broker.Manager
	journal *storage.Journal
	sched   *scheduler.Service
	ops     *ops.Service
	sd      *sdnotify.Service
	cmdm    *commands.Manager

	startedAt time.Time
	updates   chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Room logging needs the adapter, which needs a logger: start with the
	// room sink off, attach the sender, then apply the real config.
	bootCfg := mapLogConfig(cfg)
	bootCfg.Room.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	for _, w := range config.Warnings(cfg) {
		log.Warn("config warning", logx.String("detail", w))
	}

	ad, err := newAdapter(cfg, root)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()
	startedAt := time.Now()
	history := door.NewHistory(cfg.Door.HistoryCap)

	notif := notifier.New(mapNotifierConfig(cfg), ad, root.With(logx.String("comp", "notifier")), bus)
	filter := door.NewFilter(mapFilterConfig(cfg), startedAt, history, notif, root.With(logx.String("comp", "door")), bus)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		adapter:   ad,
		history:   history,
		filter:    filter,
		notif:     notif,
		sched:     scheduler.New(scheduler.Config{}, root.With(logx.String("comp", "scheduler"))),
		startedAt: startedAt,
		updates:   make(chan kit.Update, 256),
	}

	st, err := storage.Open(mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	switch {
	case errors.Is(err, storage.ErrDisabled):
	case err != nil:
		return nil, fmt.Errorf("storage: %w", err)
	default:
		a.journal = storage.NewJournal(st, 0, root)
		filter.SetRecorder(a.journal)
		retention := cfg.Storage.Retention.D()
		if err := a.sched.AddSchedule(pruneJob, cfg.Storage.PruneCron, time.Minute, func(ctx context.Context) error {
			n, err := a.journal.Prune(ctx, retention)
			if err == nil && n > 0 {
				a.log.Info("journal pruned", logx.Int64("removed", n), logx.Duration("retention", retention))
			}
			return err
		}); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("storage.prune_cron: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	bcfg, acfg := mapBrokerConfig(cfg)
	a.broker = broker.NewManager(bcfg, broker.NewAMQPDialer(acfg), filter.Handle, root.With(logx.String("comp", "broker")), bus)

	a.cmdm = commands.NewManager(root.With(logx.String("comp", "commands")), ad, commands.Options{
		Workers: cfg.Transport.CommandWorkers,
		Owners:  cfg.Transport.Owners,
	})

	a.ops = ops.New(mapOpsConfig(cfg), ops.Deps{
		Ready:       a.ready,
		History:     history,
		Status:      a.status,
		Schedules:   a.sched.Snapshot,
		RunSchedule: a.sched.RunNow,
	}, root)

	a.sd = sdnotify.New(mapSystemdConfig(cfg), sdnotify.Systemd(), bus, root)
	a.sd.SetHealthCheck(func() bool {
		select {
		case <-a.broker.Done():
			return false
		default:
			return true
		}
	})
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) ready() (bool, string) {
	if s := a.broker.State(); s != broker.Consuming {
		return false, "broker " + s.String()
	}
	return true, ""
}

func (a *App) status() commands.Status {
	st := commands.Status{
		Broker:      a.broker.State().String(),
		BrokerError: a.broker.LastError(),
		HistoryLen:  a.history.Len(),
		HistoryCap:  a.history.Cap(),
		StartedAt:   a.startedAt,
		Notified:    a.notif.Sent(),
	}
	sups := []*rtsup.Supervisor{a.sup, a.notif.Supervisor(), a.cmdm.Supervisor(), a.ops.Supervisor()}
	if sp, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		sups = append(sups, sp.Supervisor())
	}
	if a.journal != nil {
		sups = append(sups, a.journal.Supervisor())
	}
	for _, s := range sups {
		if s != nil {
			st.Goroutines = append(st.Goroutines, s.Snapshot()...)
		}
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cmdm.SetAppSupervisor(a.sup)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cmds := commands.DoorCommands(a.history, time.Now)
	cmds = append(cmds, commands.StatusCommand(a.status))
	a.cmdm.SetRegistry(cmds)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if a.journal != nil {
		a.journal.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())
	a.sd.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// The consumer loop only returns on stop; anything else is fatal.
	a.sup.Go("broker.consume", func(c context.Context) error {
		err := a.broker.Start(c)
		if c.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrStopped) {
			return nil
		}
		if err == nil {
			err = errors.New("broker consumer exited")
		}
		return err
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("transport", a.adapter.Name()),
		logx.Int("history_cap", a.history.Cap()),
		logx.Bool("journal", a.journal != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop consuming first and let an in-flight unlock finish announcing
	// before anything it depends on is cancelled.
	a.broker.Stop()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("broker", 3*time.Second, func(c context.Context) error {
		select {
		case <-a.broker.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.sup.Cancel()
	step("sdnotify", time.Second, func(c context.Context) error { a.sd.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("journal", 2*time.Second, func(c context.Context) error {
		if a.journal == nil {
			return nil
		}
		return a.journal.Stop(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reloadLoop hot-applies config edits. Sections listed in Change.Restart
// are only logged.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("door") {
		a.filter.Apply(mapFilterConfig(next))
		if next.Door.HistoryCap != prev.Door.HistoryCap {
			a.log.Warn("door.history_cap changed; restart required for the new capacity")
		}
		for _, w := range config.Warnings(next) {
			a.log.Warn("config warning", logx.String("detail", w))
		}
	}
	if ch.Has("notifier") {
		a.notif.Apply(mapNotifierConfig(next))
	}
	if ch.Has("transport.owners") {
		a.cmdm.SetOwners(next.Transport.Owners)
	}
	if ch.Has("ops") {
		a.ops.Reconfigure(a.sup.Context(), mapOpsConfig(next))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: ch.Sections})
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}
