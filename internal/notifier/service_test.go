package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"doorbot/internal/eventbus"
	"doorbot/internal/metrics"
	logx "doorbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  int // fail the next n sends
	calls int
	block chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, room, text string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return errors.New("homeserver unavailable")
	}
	f.sent = append(f.sent, room+"|"+text)
	return nil
}

func (f *fakeSender) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}
}

func TestInlineSendDelivers(t *testing.T) {
	f := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "notifier.")
	defer unsub()

	s := New(fastConfig(), f, logx.Nop(), bus)
	if err := s.Send(context.Background(), "!space:example.org", "Alice entered the space"); err != nil {
		t.Fatalf("Send = %v", err)
	}
	sent, _ := f.snapshot()
	if len(sent) != 1 || sent[0] != "!space:example.org|Alice entered the space" {
		t.Fatalf("sent = %v", sent)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.NotifierSent {
			t.Fatalf("event = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no notifier.sent event")
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Room != "!space:example.org" {
		t.Fatalf("history = %+v", h)
	}
}

func TestInlineFailureIsNotRetriedByDefault(t *testing.T) {
	f := &fakeSender{fail: 1}
	s := New(fastConfig(), f, logx.Nop(), nil)
	before := testutil.ToFloat64(metrics.NotifierSends.WithLabelValues("failed"))
	if err := s.Send(context.Background(), "!a", "hi"); err == nil {
		t.Fatal("expected delivery error")
	}
	if _, calls := f.snapshot(); calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if got := testutil.ToFloat64(metrics.NotifierSends.WithLabelValues("failed")) - before; got != 1 {
		t.Fatalf("failed counter delta = %v", got)
	}
}

func TestRetryMax(t *testing.T) {
	f := &fakeSender{fail: 2}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := New(cfg, f, logx.Nop(), nil)
	if err := s.Send(context.Background(), "!a", "hi"); err != nil {
		t.Fatalf("Send = %v", err)
	}
	if _, calls := f.snapshot(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestBreakerOpensPerRoom(t *testing.T) {
	f := &fakeSender{fail: 100}
	cfg := fastConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	s := New(cfg, f, logx.Nop(), nil)

	for i := 0; i < 4; i++ {
		_ = s.Send(context.Background(), "!down", "hi")
	}
	if _, calls := f.snapshot(); calls != 2 {
		t.Fatalf("calls through open breaker = %d, want 2", calls)
	}

	f.mu.Lock()
	f.fail = 0
	f.mu.Unlock()
	if err := s.Send(context.Background(), "!up", "hi"); err != nil {
		t.Fatalf("other room blocked by breaker: %v", err)
	}
}

func TestNoSender(t *testing.T) {
	s := New(fastConfig(), nil, logx.Nop(), nil)
	if err := s.Send(context.Background(), "!a", "hi"); !errors.Is(err, ErrNoSender) {
		t.Fatalf("Send = %v, want ErrNoSender", err)
	}
	if err := s.Send(context.Background(), "!a", "  "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Send = %v, want ErrEmpty", err)
	}
}

func TestAsyncQueueDrainsOnStop(t *testing.T) {
	f := &fakeSender{}
	cfg := fastConfig()
	cfg.Async = true
	cfg.Workers = 2
	s := New(cfg, f, logx.Nop(), nil)

	if err := s.Send(context.Background(), "!a", "early"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send before Start = %v, want ErrStopped", err)
	}
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		if err := s.Send(context.Background(), "!a", "hi"); err != nil {
			t.Fatalf("Send = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if sent, _ := f.snapshot(); len(sent) != 5 {
		t.Fatalf("delivered %d, want 5", len(sent))
	}
	if err := s.Send(context.Background(), "!a", "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send after Stop = %v, want ErrStopped", err)
	}
}

func TestAsyncQueueFull(t *testing.T) {
	f := &fakeSender{block: make(chan struct{})}
	cfg := fastConfig()
	cfg.Async = true
	cfg.Workers = 1
	cfg.QueueSize = 1
	s := New(cfg, f, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(f.block)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var full bool
	for i := 0; i < 10; i++ {
		if err := s.Send(context.Background(), "!a", "hi"); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull with a blocked worker")
	}
}

func TestSentKeepsCountingPastHistory(t *testing.T) {
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	total := historyMax + 20
	for i := 0; i < total; i++ {
		if err := s.Send(context.Background(), "!space:example.org", "notice"); err != nil {
			t.Fatalf("Send #%d = %v", i, err)
		}
	}
	if got := len(s.Snapshot()); got != historyMax {
		t.Fatalf("history len = %d, want %d", got, historyMax)
	}
	if got := s.Sent(); got != uint64(total) {
		t.Fatalf("Sent = %d, want %d", got, total)
	}
}
