package storage

import (
	"context"
	"errors"
	"time"

	"doorbot/internal/door"
	"doorbot/internal/metrics"
	rtsup "doorbot/internal/runtime/supervisor"
	logx "doorbot/pkg/logx"
)

const (
	DefaultJournalBuffer = 128
	journalWriteTimeout  = 5 * time.Second
)

// Journal implements door.Recorder on top of a Store. Record never blocks;
// events are written by a single worker and dropped when the buffer is full.
type Journal struct {
	store Store
	log   logx.Logger
	in    chan door.UnlockEvent
	sup   *rtsup.Supervisor
}

func NewJournal(store Store, buffer int, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	return &Journal{
		store: store,
		log:   log.With(logx.String("comp", "journal")),
		in:    make(chan door.UnlockEvent, buffer),
	}
}

func (j *Journal) Store() Store { return j.store }

func (j *Journal) Record(e door.UnlockEvent) {
	select {
	case j.in <- e:
	default:
		metrics.JournalWrites.WithLabelValues("dropped").Inc()
		j.log.Warn("journal buffer full; unlock not persisted", logx.String("id", e.ID))
	}
}

// Start runs the writer until Stop. Pending events are flushed on stop.
func (j *Journal) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	j.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(j.log))
	j.sup.Go0("journal.writer", j.run)
}

func (j *Journal) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			j.drain()
			return
		case e := <-j.in:
			j.write(e)
		}
	}
}

func (j *Journal) drain() {
	for {
		select {
		case e := <-j.in:
			j.write(e)
		default:
			return
		}
	}
}

func (j *Journal) write(e door.UnlockEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.store.AppendUnlock(ctx, e); err != nil {
		metrics.JournalWrites.WithLabelValues("error").Inc()
		j.log.Warn("journal append failed", logx.String("id", e.ID), logx.Err(err))
		return
	}
	metrics.JournalWrites.WithLabelValues("ok").Inc()
}

// Prune removes entries older than retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if j == nil || j.store == nil {
		return 0, ErrDisabled
	}
	n, err := j.store.PruneBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	metrics.JournalPruned.Add(float64(n))
	return n, nil
}

// Stop flushes the buffer and closes the store.
func (j *Journal) Stop(ctx context.Context) error {
	if j.sup != nil {
		_ = j.sup.Stop(ctx)
	}
	err := j.store.Close()
	if errors.Is(err, ErrDisabled) {
		return nil
	}
	return err
}

// Supervisor exposes the writer goroutine for status reporting.
func (j *Journal) Supervisor() *rtsup.Supervisor { return j.sup }
