package sdnotify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"doorbot/internal/eventbus"
	logx "doorbot/pkg/logx"
)

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []string
	interval time.Duration
}

func (f *fakeNotifier) Notify(state string) (bool, error) {
	f.mu.Lock()
	f.sent = append(f.sent, state)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeNotifier) WatchdogInterval() (time.Duration, error) { return f.interval, nil }

func (f *fakeNotifier) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReadyOnFirstConsuming(t *testing.T) {
	bus := eventbus.New()
	fn := &fakeNotifier{}
	s := New(Config{Notify: true}, fn, bus, logx.Nop())
	s.Start(context.Background())

	for _, st := range []string{"CONNECTING", "CONSUMING", "DISCONNECTED", "CONSUMING"} {
		bus.Publish(eventbus.Event{Type: eventbus.BrokerState, Data: st})
	}
	waitFor(t, func() bool { return len(fn.snapshot()) == 4 })
	s.Stop(context.Background())

	sent := fn.snapshot()
	readies := 0
	for _, m := range sent {
		if strings.Contains(m, "READY=1") {
			readies++
		}
	}
	if readies != 1 || !strings.HasPrefix(sent[1], "READY=1\nSTATUS=broker CONSUMING") {
		t.Fatalf("sent = %q", sent)
	}
	if sent[len(sent)-1] != "STOPPING=1" {
		t.Fatalf("last = %q", sent[len(sent)-1])
	}
}

func TestWatchdogPingsWhenHealthy(t *testing.T) {
	fn := &fakeNotifier{interval: 40 * time.Millisecond}
	s := New(Config{Notify: true, Watchdog: true}, fn, eventbus.New(), logx.Nop())
	var healthy sync.Mutex
	ok := true
	s.SetHealthCheck(func() bool { healthy.Lock(); defer healthy.Unlock(); return ok })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, func() bool {
		for _, m := range fn.snapshot() {
			if m == "WATCHDOG=1" {
				return true
			}
		}
		return false
	})
}

func TestDisabledDoesNothing(t *testing.T) {
	fn := &fakeNotifier{}
	s := New(Config{}, fn, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())
	if len(fn.snapshot()) != 0 {
		t.Fatalf("sent = %v", fn.snapshot())
	}
}
