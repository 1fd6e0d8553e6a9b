package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"doorbot/internal/broker"
	"doorbot/internal/door"
	logx "doorbot/pkg/logx"
)

type memChannel struct {
	deliveries chan broker.Delivery
	closed     chan error
	once       sync.Once
}

func (c *memChannel) Consume(string, int) (<-chan broker.Delivery, error) { return c.deliveries, nil }
func (c *memChannel) NotifyClose() <-chan error                            { return c.closed }
func (c *memChannel) NotifyCancel() <-chan string                          { return nil }
func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type memConn struct {
	ch     *memChannel
	closed chan error
	once   sync.Once
}

func (c *memConn) Channel() (broker.Channel, error) { return c.ch, nil }
func (c *memConn) NotifyClose() <-chan error        { return c.closed }
func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type memDialer struct{ conn *memConn }

func (d *memDialer) Dial(context.Context) (broker.Connection, error) { return d.conn, nil }

// slowSink holds each send until its ctx ends or hold elapses.
type slowSink struct {
	hold    time.Duration
	entered chan struct{}
	once    sync.Once
	ctxErr  atomic.Value
	done    chan struct{}
}

func (s *slowSink) Send(ctx context.Context, room, text string) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-ctx.Done():
	case <-time.After(s.hold):
	}
	s.ctxErr.Store(errString(ctx.Err()))
	close(s.done)
	return ctx.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestStopLetsInFlightAnnouncementFinish(t *testing.T) {
	a, err := New(writeConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &slowSink{hold: 300 * time.Millisecond, entered: make(chan struct{}), done: make(chan struct{})}
	a.filter = door.NewFilter(mapFilterConfig(a.cfgm.Get()), time.Now().Add(-time.Minute), a.history, sink, logx.Nop(), a.bus)

	ch := &memChannel{deliveries: make(chan broker.Delivery, 1), closed: make(chan error, 1)}
	dialer := &memDialer{conn: &memConn{ch: ch, closed: make(chan error, 1)}}
	a.broker = broker.NewManager(broker.Config{Queue: "door.events"}, dialer, a.filter.Handle, logx.Nop(), a.bus)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for a.broker.State() != broker.Consuming {
		if time.Now().After(deadline) {
			t.Fatalf("broker state = %s", a.broker.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	var acked atomic.Bool
	ch.deliveries <- broker.Delivery{
		Body: []byte(`{"type":"UNLOCK_ATTEMPT","permitted":true,"fobNumber":"0042","name":"Ada","announce":true}`),
		Ack:  func() error { acked.Store(true); return nil },
	}
	select {
	case <-sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("announcement never reached the sink")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-sink.done:
	default:
		t.Fatal("Stop returned before the in-flight announcement finished")
	}
	if got := sink.ctxErr.Load(); got != "" {
		t.Fatalf("announcement ctx ended early: %v", got)
	}
	if !acked.Load() {
		t.Fatal("in-flight delivery was not acked")
	}
}
