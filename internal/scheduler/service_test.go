package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "doorbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in   string
		kind SpecKind
		want string
	}{
		{"@daily", SpecCron, "@daily"},
		{"0 3 * * *", SpecCron, "0 3 * * *"},
		{"cron:@hourly", SpecCron, "@hourly"},
		{"6h", SpecInterval, "@every 6h0m0s"},
		{"every:90m", SpecInterval, "@every 1h30m0s"},
	}
	for _, c := range cases {
		ps, err := ParseSchedule(c.in)
		if err != nil {
			t.Fatalf("%q: %v", c.in, err)
		}
		if ps.Kind != c.kind || ps.String() != c.want {
			t.Fatalf("%q: got kind=%d %q", c.in, ps.Kind, ps.String())
		}
	}
	for _, bad := range []string{"", "soon", "-5m", "every:x"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	s := New(Config{}, logx.Nop())
	if err := s.AddSchedule("x", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := s.AddSchedule("", "@daily", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestIntervalRunsAndSnapshot(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var runs atomic.Int32
	fired := make(chan struct{}, 4)
	if err := s.AddSchedule("tick", "1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval job did not fire")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Name != "tick" || snap[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunNowRecordsError(t *testing.T) {
	s := New(Config{}, logx.Nop())
	boom := errors.New("boom")
	_ = s.AddSchedule("prune", "@daily", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job ran without a deadline")
		}
		return boom
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.RunNow("prune"); err == nil || err.Error() != "boom" {
		t.Fatalf("RunNow = %v", err)
	}
	if got := s.Snapshot()[0]; got.Runs != 1 || got.LastErr != "boom" {
		t.Fatalf("snapshot = %+v", got)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("RunNow(missing) = %v", err)
	}
}

func TestAddScheduleReplacesByName(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	noop := func(context.Context) error { return nil }
	if err := s.AddSchedule("journal.prune", "@daily", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("journal.prune", "every:1h", 0, noop); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Spec != "@every 1h0m0s" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
