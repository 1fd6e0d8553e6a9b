package door

import (
	"context"
	"sync"
	"time"

	"doorbot/internal/eventbus"
	"doorbot/internal/metrics"
	logx "doorbot/pkg/logx"
)

const DefaultGrace = 15 * time.Second

// Rejection names the filter stage that dropped a message.
type Rejection string

const (
	RejectNone         Rejection = ""
	RejectMalformed    Rejection = "malformed"
	RejectGrace        Rejection = "grace"
	RejectType         Rejection = "type"
	RejectNotPermitted Rejection = "not_permitted"
	RejectCooldown     Rejection = "cooldown"
)

// Config holds the filter settings that can change at runtime.
type Config struct {
	Rooms            []string
	Cooldown         time.Duration
	Grace            time.Duration
	AnnounceTemplate string
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Accepted bool
	Event    UnlockEvent
	Reason   Rejection
	// Notified counts rooms that accepted the announcement.
	Notified int
	Err      error
}

// Recorder receives accepted events after they are appended to History.
// Implementations must not block.
type Recorder interface {
	Record(e UnlockEvent)
}

// Filter turns raw broker bodies into accepted UnlockEvents.
//
// Evaluate is called from the single consumer goroutine; messages are handled
// strictly in delivery order.
type Filter struct {
	log     logx.Logger
	bus     eventbus.Bus
	history *History
	window  *CooldownWindow
	sink    Sink

	startedAt time.Time

	mu       sync.RWMutex
	cfg      Config
	recorder Recorder
}

// NewFilter creates a filter whose grace period starts at startedAt.
func NewFilter(cfg Config, startedAt time.Time, history *History, sink Sink, log logx.Logger, bus eventbus.Bus) *Filter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if history == nil {
		history = NewHistory(DefaultHistoryCap)
	}
	f := &Filter{
		log:       log,
		bus:       bus,
		history:   history,
		sink:      sink,
		startedAt: startedAt,
	}
	f.window = NewCooldownWindow(history, DefaultCooldown)
	f.Apply(cfg)
	return f
}

// Apply swaps the runtime settings. Safe to call while Evaluate runs.
func (f *Filter) Apply(cfg Config) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	cfg.Rooms = append([]string(nil), cfg.Rooms...)
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	f.window.SetCooldown(cfg.Cooldown)
}

func (f *Filter) SetRecorder(r Recorder) {
	f.mu.Lock()
	f.recorder = r
	f.mu.Unlock()
}

func (f *Filter) History() *History { return f.history }

func (f *Filter) StartedAt() time.Time { return f.startedAt }

// Handle is the broker handler: it evaluates body against the wall clock.
// The returned error is informational; the caller acks regardless.
func (f *Filter) Handle(ctx context.Context, body []byte) error {
	d := f.Evaluate(ctx, body, time.Now())
	return d.Err
}

// Evaluate runs the filter stages in order: parse, grace, type/permit,
// cooldown, append, announce.
func (f *Filter) Evaluate(ctx context.Context, raw []byte, now time.Time) Decision {
	metrics.MessagesReceived.Inc()

	f.mu.RLock()
	cfg := f.cfg
	rec := f.recorder
	f.mu.RUnlock()

	msg, err := DecodeMessage(raw)
	if err != nil {
		f.log.Debug("dropping door message", logx.Err(err), logx.Int("bytes", len(raw)))
		return f.reject(RejectMalformed, err)
	}
	log := f.log.With(logx.String("fob", msg.FobNumber))
	log.Debug("door message received", logx.String("type", msg.Type), logx.Bool("permitted", msg.Permitted))

	if now.Sub(f.startedAt) <= cfg.Grace {
		log.Info("skipping door message: recently started up", logx.Duration("uptime", now.Sub(f.startedAt)))
		return f.reject(RejectGrace, nil)
	}
	if msg.Type != TypeUnlockAttempt {
		log.Debug("ignoring door message type", logx.String("type", msg.Type))
		return f.reject(RejectType, nil)
	}
	if !msg.Permitted {
		log.Debug("ignoring denied unlock attempt")
		return f.reject(RejectNotPermitted, nil)
	}
	if blocked, since := f.window.Blocked(msg.FobNumber, now); blocked {
		log.Info("skipping announcement: fob recently entered", logx.Duration("since", since), logx.Duration("cooldown", f.window.Cooldown()))
		return f.reject(RejectCooldown, nil)
	}

	ev := newUnlockEvent(msg, now)
	f.history.Append(ev)
	metrics.UnlocksAccepted.Inc()
	metrics.HistorySize.Set(float64(f.history.Len()))
	if rec != nil {
		rec.Record(ev)
	}
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: eventbus.DoorAccepted, Time: now, Data: ev})
	}
	log.Info("unlock accepted", logx.String("name", ev.DisplayName), logx.Bool("announce", msg.Announce))

	d := Decision{Accepted: true, Event: ev}
	if msg.Announce {
		d.Notified = announce(ctx, log, f.sink, cfg.Rooms, RenderAnnouncement(cfg.AnnounceTemplate, ev.DisplayName))
	}
	return d
}

func (f *Filter) reject(reason Rejection, err error) Decision {
	metrics.MessagesRejected.WithLabelValues(string(reason)).Inc()
	if f.bus != nil {
		data := map[string]string{"reason": string(reason)}
		if err != nil {
			data["err"] = err.Error()
		}
		f.bus.Publish(eventbus.Event{Type: eventbus.DoorRejected, Data: data})
	}
	return Decision{Reason: reason, Err: err}
}
