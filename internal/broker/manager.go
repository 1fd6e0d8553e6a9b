package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"doorbot/internal/eventbus"
	"doorbot/internal/metrics"
	logx "doorbot/pkg/logx"
)

const (
	DefaultBackoffMin = 500 * time.Millisecond
	DefaultBackoffMax = 30 * time.Second
	DefaultPrefetch   = 1
)

var (
	ErrStarted = errors.New("broker: manager already started")
	ErrStopped = errors.New("broker: manager stopped")
)

// Handler processes one delivery body. The delivery is acknowledged after
// Handler returns, whatever it returns. The ctx it receives carries the
// consumer's values but is never cancelled by Stop.
type Handler func(ctx context.Context, body []byte) error

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

type Connection interface {
	Channel() (Channel, error)
	// NotifyClose yields once when the connection goes away.
	NotifyClose() <-chan error
	Close() error
}

type Channel interface {
	// Consume starts a manual-ack consumer on queue. The returned channel is
	// closed when the channel closes.
	Consume(queue string, prefetch int) (<-chan Delivery, error)
	NotifyClose() <-chan error
	// NotifyCancel yields the consumer tag when the broker cancels it.
	NotifyCancel() <-chan string
	Close() error
}

// Delivery is one consumed message.
type Delivery struct {
	Body []byte
	Ack  func() error
}

type Config struct {
	Queue      string
	Prefetch   int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffMin)
	}
	return c
}

// signal is an asynchronous lifecycle event tagged with the connection
// generation that produced it. Signals from older generations are dropped.
type signal struct {
	ev  Event
	gen uint64
	err error
}

// Manager keeps one consumer attached to the configured queue for the life
// of the process.
//
// Start runs the connect loop on the calling goroutine. Deliveries are
// handled one at a time, in order, on that same goroutine.
type Manager struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus

	state    atomic.Int32
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	signals  chan signal

	// Owned by the loop goroutine.
	gen          uint64
	conn         Connection
	ch           Channel
	deliveries   <-chan Delivery
	bo           *backoff.ExponentialBackOff
	retry        *time.Timer
	everConsumed bool
	lastErr      error

	// lastErrText mirrors the most recent failure for readers outside the loop.
	lastErrText atomic.Pointer[string]
}

func NewManager(cfg Config, dialer Dialer, handler Handler, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffMin
	bo.MaxInterval = cfg.BackoffMax
	// Never give up.
	bo.MaxElapsedTime = 0
	bo.Reset()

	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		log:     log,
		bus:     bus,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		signals: make(chan signal, 8),
		bo:      bo,
	}
	m.state.Store(int32(Disconnected))
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Done is closed when Start has returned.
func (m *Manager) Done() <-chan struct{} { return m.doneCh }

// LastError is the failure behind the latest drop out of CONSUMING, or ""
// once consuming again.
func (m *Manager) LastError() string {
	if p := m.lastErrText.Load(); p != nil {
		return *p
	}
	return ""
}

// Stop asks the loop to close the channel and connection and return.
// It does not interrupt a handler that is already running.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.stopping.Store(true)
		close(m.stopCh)
	})
}

// Start blocks until Stop is called or ctx is cancelled. Connection failures
// never make it return.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer close(m.doneCh)
	if m.stopping.Load() {
		return ErrStopped
	}
	m.publishState(Disconnected)

	queue := []Event{EventDial}
	for {
		var ev Event
		var evErr error
		if len(queue) > 0 {
			ev, queue = queue[0], queue[1:]
		} else {
			var ok bool
			ev, evErr, ok = m.wait(ctx)
			if !ok {
				continue
			}
		}

		prev := m.State()
		next, actions := Transition(prev, ev)
		if next != prev {
			m.setState(next, ev, evErr)
		}
		for _, a := range actions {
			queue = append(queue, m.perform(ctx, a)...)
		}

		if next == Closing && len(queue) == 0 {
			queue = append(queue, EventClosed)
		}
		if prev == Closing && next == Disconnected {
			m.stopRetry()
			m.log.Info("broker consumer stopped")
			return ctx.Err()
		}
	}
}

// wait blocks for the next lifecycle event or delivery. Deliveries are
// handled inline and report ok=false.
func (m *Manager) wait(ctx context.Context) (Event, error, bool) {
	var retryC <-chan time.Time
	if m.retry != nil {
		retryC = m.retry.C
	}
	select {
	case <-m.stopCh:
		return EventStop, nil, true
	case <-ctx.Done():
		m.stopping.Store(true)
		return EventStop, nil, true
	case <-retryC:
		m.retry = nil
		return EventDial, nil, true
	case s := <-m.signals:
		if s.gen != m.gen {
			return 0, nil, false
		}
		return s.ev, s.err, true
	case d, ok := <-m.deliveries:
		if !ok {
			m.deliveries = nil
			return EventChannelClosed, errors.New("delivery stream closed"), true
		}
		m.deliver(ctx, d)
		return 0, nil, false
	}
}

func (m *Manager) deliver(ctx context.Context, d Delivery) {
	if m.handler != nil {
		// Stop and ctx cancellation must not cut an announcement short.
		if err := m.handler(context.WithoutCancel(ctx), d.Body); err != nil {
			m.log.Debug("handler reported error; acking anyway", logx.Err(err))
		}
	}
	if d.Ack != nil {
		if err := d.Ack(); err != nil {
			m.log.Warn("ack failed", logx.Err(err))
			return
		}
	}
	metrics.BrokerDeliveries.Inc()
}

func (m *Manager) perform(ctx context.Context, a Action) []Event {
	switch a {
	case ActionDial:
		m.gen++
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			m.lastErr = err
			m.log.Warn("broker connection failed", logx.Err(err))
			return []Event{EventConnFailed}
		}
		m.conn = conn
		m.watchConn(conn, m.gen)
		m.log.Info("broker connection opened")
		return []Event{EventConnOpened}

	case ActionOpenChannel:
		if m.conn == nil {
			return []Event{EventChannelFailed}
		}
		ch, err := m.conn.Channel()
		if err != nil {
			m.lastErr = err
			m.log.Warn("broker channel open failed", logx.Err(err))
			return []Event{EventChannelFailed}
		}
		m.ch = ch
		m.watchChannel(ch, m.gen)
		return []Event{EventChannelOpened}

	case ActionConsume:
		if m.ch == nil {
			return []Event{EventConsumeFailed}
		}
		deliveries, err := m.ch.Consume(m.cfg.Queue, m.cfg.Prefetch)
		if err != nil {
			m.lastErr = err
			m.log.Warn("broker consume failed", logx.String("queue", m.cfg.Queue), logx.Err(err))
			return []Event{EventConsumeFailed}
		}
		m.deliveries = deliveries
		return []Event{EventConsumeStarted}

	case ActionCloseChannel:
		m.deliveries = nil
		if m.ch != nil {
			if err := m.ch.Close(); err != nil {
				m.log.Debug("channel close", logx.Err(err))
			}
			m.ch = nil
		}

	case ActionCloseConnection:
		m.deliveries = nil
		if m.ch != nil {
			_ = m.ch.Close()
			m.ch = nil
		}
		if m.conn != nil {
			if err := m.conn.Close(); err != nil {
				m.log.Debug("connection close", logx.Err(err))
			}
			m.conn = nil
			m.ch = nil
		}

	case ActionScheduleReconnect:
		if m.stopping.Load() {
			return nil
		}
		wait := m.bo.NextBackOff()
		if wait == backoff.Stop {
			wait = m.cfg.BackoffMax
		}
		m.log.Warn("broker reconnect scheduled", logx.Duration("backoff", wait), logx.Err(m.lastErr))
		m.stopRetry()
		m.retry = time.NewTimer(wait)

	case ActionResetBackoff:
		m.bo.Reset()
		m.lastErr = nil
		if m.everConsumed {
			metrics.BrokerReconnects.Inc()
		}
		m.everConsumed = true
		m.log.Info("consuming", logx.String("queue", m.cfg.Queue))
	}
	return nil
}

func (m *Manager) watchConn(conn Connection, gen uint64) {
	closed := conn.NotifyClose()
	go func() {
		var err error
		select {
		case err = <-closed:
		case <-m.doneCh:
			return
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		m.post(signal{ev: EventConnClosed, gen: gen, err: err})
	}()
}

func (m *Manager) watchChannel(ch Channel, gen uint64) {
	closed := ch.NotifyClose()
	cancelled := ch.NotifyCancel()
	go func() {
		for {
			select {
			case tag, ok := <-cancelled:
				if !ok {
					cancelled = nil
					continue
				}
				m.post(signal{ev: EventConsumerCancelled, gen: gen, err: fmt.Errorf("consumer %q cancelled by broker", tag)})
			case err := <-closed:
				if err == nil {
					err = errors.New("channel closed")
				}
				m.post(signal{ev: EventChannelClosed, gen: gen, err: err})
				return
			case <-m.doneCh:
				return
			}
		}
	}()
}

func (m *Manager) post(s signal) {
	select {
	case m.signals <- s:
	case <-m.doneCh:
	}
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setState(next State, ev Event, err error) {
	m.state.Store(int32(next))
	fields := []logx.Field{logx.String("state", next.String()), logx.String("event", ev.String())}
	if err != nil {
		fields = append(fields, logx.Err(err))
		m.lastErr = err
		msg := err.Error()
		m.lastErrText.Store(&msg)
	}
	if next == Consuming {
		m.lastErrText.Store(nil)
	}
	if next == Disconnected && !m.stopping.Load() {
		m.log.Warn("broker state changed", fields...)
	} else {
		m.log.Debug("broker state changed", fields...)
	}
	m.publishState(next)
}

func (m *Manager) publishState(s State) {
	all := make([]string, 0, len(States))
	for _, st := range States {
		all = append(all, st.String())
	}
	metrics.SetBrokerState(s.String(), all)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.BrokerState, Data: s.String()})
	}
}
