package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"doorbot/internal/eventbus"
	"doorbot/internal/metrics"
	rtsup "doorbot/internal/runtime/supervisor"
	logx "doorbot/pkg/logx"
)

var (
	ErrNoSender  = errors.New("notifier: no sender configured")
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
	ErrEmpty     = errors.New("notifier: empty notice")
)

const historyMax = 100

type job struct {
	room string
	text string
}

// Service implements the notice pipeline:
// rate limit + per-room circuit breaker + optional retry, inline or queued.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg      Config
	limiter  *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
	sent    atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

// SetSender binds the chat network once it exists.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Supervisor returns the worker supervisor (nil unless running async).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Async() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Async
}

// Apply swaps the delivery policy. Breakers are rebuilt, so open breakers
// close. Switching Async takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.BreakerFailures < 0 {
		cfg.BreakerFailures = 0
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.breakers = map[string]*gobreaker.CircuitBreaker[struct{}]{}
}

func (s *Service) breakerFor(room string) *gobreaker.CircuitBreaker[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.BreakerFailures <= 0 {
		return nil
	}
	if cb, ok := s.breakers[room]; ok {
		return cb
	}
	threshold := uint32(s.cfg.BreakerFailures)
	log := s.log
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notifier:" + room,
		MaxRequests: 1,
		Timeout:     s.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("notifier breaker state changed", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	s.breakers[room] = cb
	return cb
}

// Start launches the workers when Async is set. It is idempotent and a
// no-op in inline mode.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Async {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		metrics.NotifierQueueDepth.Set(0)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Send delivers text to room. Inline mode returns the delivery result;
// async mode returns once the notice is queued.
func (s *Service) Send(ctx context.Context, room, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}

	s.mu.Lock()
	if !s.cfg.Async {
		s.mu.Unlock()
		return s.deliver(ctx, job{room: room, text: text})
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{room: room, text: text}:
		metrics.NotifierQueueDepth.Set(float64(len(q)))
		return nil
	default:
		metrics.NotifierSends.WithLabelValues("dropped").Inc()
		s.publish(eventbus.NotifierFailed, NotificationEvent{Room: room, At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// Sent counts delivered notices since start. Snapshot keeps only the
// most recent ones.
func (s *Service) Sent() uint64 { return s.sent.Load() }

func (s *Service) appendHistory(room, text string) {
	s.sent.Add(1)
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Room: room, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			metrics.NotifierQueueDepth.Set(float64(len(q)))
			if err := s.deliver(ctx, j); err != nil {
				s.log.Warn("notice delivery failed", logx.String("room", j.room), logx.Err(err))
			}
		}
	}
}

// deliver runs one notice through limiter, breaker and retries.
func (s *Service) deliver(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		metrics.NotifierSends.WithLabelValues("failed").Inc()
		return ErrNoSender
	}
	cb := s.breakerFor(j.room)

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		send := func() (struct{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			return struct{}{}, sender.SendText(callCtx, j.room, j.text)
		}
		var err error
		if cb != nil {
			_, err = cb.Execute(send)
		} else {
			_, err = send()
		}
		if err == nil {
			metrics.NotifierSends.WithLabelValues("sent").Inc()
			s.appendHistory(j.room, j.text)
			s.publish(eventbus.NotifierSent, NotificationEvent{Room: j.room, At: time.Now(), Attempts: attempt})
			return nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.NotifierSends.WithLabelValues("rejected").Inc()
			break
		}
		s.log.Debug("notice send failed", logx.String("room", j.room), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	if !errors.Is(lastErr, gobreaker.ErrOpenState) && !errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
		metrics.NotifierSends.WithLabelValues("failed").Inc()
	}
	s.publish(eventbus.NotifierFailed, NotificationEvent{Room: j.room, At: time.Now(), Attempts: min(attempt, maxAttempts), Error: lastErr.Error()})
	return fmt.Errorf("send to %s: %w", j.room, lastErr)
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
