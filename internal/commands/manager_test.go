package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"doorbot/internal/door"
	"doorbot/internal/metrics"
	kit "doorbot/internal/transport"
	logx "doorbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Name() string                                         { return "fake" }
func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                       { return nil }

func (f *fakeAdapter) SendText(_ context.Context, room, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, room+"|"+text)
	return nil
}

func (f *fakeAdapter) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func msg(from, text string) kit.Update {
	return kit.Update{Message: &kit.Message{ID: "1", Room: "!r:x", FromID: from, Text: text}}
}

func seededHistory(now time.Time, names ...string) *door.History {
	h := door.NewHistory(25)
	for i, n := range names {
		h.Append(door.UnlockEvent{CredentialID: n, DisplayName: n, ObservedAt: now.Add(-time.Duration(len(names)-i) * time.Minute)})
	}
	return h
}

func newTestManager(h *door.History, now time.Time, owners ...string) (*Manager, *fakeAdapter) {
	a := &fakeAdapter{}
	m := NewManager(logx.Nop(), a, Options{Owners: owners})
	cmds := DoorCommands(h, func() time.Time { return now })
	cmds = append(cmds, StatusCommand(func() Status {
		return Status{Broker: "CONSUMING", HistoryLen: h.Len(), HistoryCap: h.Cap()}
	}))
	m.SetRegistry(cmds)
	return m, a
}

func TestDoorLastBothPrefixes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, a := newTestManager(seededHistory(now, "Alice", "Bob"), now)

	for _, text := range []string{"!door last", "/door last", "/door@doorbot_bot last", "!DOOR Last"} {
		if err := m.Dispatch(context.Background(), msg("@u:x", text)); err != nil {
			t.Fatalf("%q: %v", text, err)
		}
	}
	got := a.replies()
	if len(got) != 4 {
		t.Fatalf("replies = %v", got)
	}
	for _, r := range got {
		if r != "!r:x|Bob     1 minute ago" {
			t.Fatalf("reply = %q", r)
		}
	}
}

func TestDoorLastAmount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, a := newTestManager(seededHistory(now, "Alice", "Bob", "Cy"), now)

	_ = m.Dispatch(context.Background(), msg("@u:x", "!door last 2"))
	_ = m.Dispatch(context.Background(), msg("@u:x", "!door last 50"))
	got := a.replies()
	if got[0] != "!r:x|Cy     1 minute ago\nBob     2 minutes ago" {
		t.Fatalf("last 2 = %q", got[0])
	}
	if lines := strings.Split(got[1], "\n"); len(lines) != 3 {
		t.Fatalf("last 50 returned %d lines", len(lines))
	}
}

func TestDoorLastBadAmountIsUsage(t *testing.T) {
	now := time.Now()
	m, a := newTestManager(seededHistory(now, "Alice"), now)
	for _, text := range []string{"!door last many", "!door last 0", "!door last -1"} {
		_ = m.Dispatch(context.Background(), msg("@u:x", text))
	}
	for _, r := range a.replies() {
		if !strings.Contains(r, "Usage: door last") {
			t.Fatalf("reply = %q", r)
		}
	}
}

func TestDoorLastEmptyHistory(t *testing.T) {
	m, a := newTestManager(door.NewHistory(25), time.Now())
	_ = m.Dispatch(context.Background(), msg("@u:x", "!door last 5"))
	if got := a.replies(); len(got) != 1 || got[0] != "!r:x|"+door.NoRecentEntries {
		t.Fatalf("replies = %v", got)
	}
}

func TestAliases(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, a := newTestManager(seededHistory(now, "Alice"), now)
	_ = m.Dispatch(context.Background(), msg("1", "/door_last"))
	_ = m.Dispatch(context.Background(), msg("1", "/last 1"))
	if got := a.replies(); len(got) != 2 || got[0] != got[1] {
		t.Fatalf("replies = %v", got)
	}
}

func TestPlainTextAndUnknownIgnored(t *testing.T) {
	m, a := newTestManager(door.NewHistory(25), time.Now())
	for _, text := range []string{"hello", "! door last", "!vote yes", "", "/"} {
		_ = m.Dispatch(context.Background(), msg("@u:x", text))
	}
	if got := a.replies(); len(got) != 0 {
		t.Fatalf("replies = %v", got)
	}
}

func TestGroupShowsHelp(t *testing.T) {
	m, a := newTestManager(door.NewHistory(25), time.Now())
	_ = m.Dispatch(context.Background(), msg("@u:x", "!door"))
	got := a.replies()
	if len(got) != 1 || !strings.Contains(got[0], "door last") {
		t.Fatalf("replies = %v", got)
	}
}

func TestHelpListsCommands(t *testing.T) {
	m, a := newTestManager(door.NewHistory(25), time.Now())
	_ = m.Dispatch(context.Background(), msg("@u:x", "!help"))
	_ = m.Dispatch(context.Background(), msg("@u:x", "!help door last"))
	got := a.replies()
	if !strings.Contains(got[0], "door") || !strings.Contains(got[0], "status") || !strings.Contains(got[0], "(owner)") {
		t.Fatalf("help = %q", got[0])
	}
	if !strings.Contains(got[1], "Usage: door last [amount]") {
		t.Fatalf("help door last = %q", got[1])
	}
}

func TestStatusOwnerOnly(t *testing.T) {
	m, a := newTestManager(door.NewHistory(25), time.Now(), "@owner:x")
	_ = m.Dispatch(context.Background(), msg("@stranger:x", "!status"))
	_ = m.Dispatch(context.Background(), msg("@owner:x", "!status"))
	got := a.replies()
	if got[0] != "!r:x|unauthorized" {
		t.Fatalf("stranger got %q", got[0])
	}
	if !strings.Contains(got[1], "broker: CONSUMING") || !strings.Contains(got[1], "history: 0/25") {
		t.Fatalf("owner got %q", got[1])
	}
}

func TestDispatchLoopUsesWorkers(t *testing.T) {
	now := time.Now()
	m, a := newTestManager(seededHistory(now, "Alice"), now)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	updates <- msg("@u:x", "!door last")
	updates <- msg("@u:x", "!door last")

	deadline := time.Now().Add(2 * time.Second)
	for len(a.replies()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("replies = %v", a.replies())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	a := &fakeAdapter{}
	m := NewManager(logx.Nop(), a, Options{})
	m.SetRegistry([]Command{{Route: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaboom") }}})
	if err := m.Dispatch(context.Background(), msg("1", "/boom")); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v", err)
	}
}

func TestMenuCommands(t *testing.T) {
	root := newRoot()
	cmds := []Command{
		{Route: "door last", Description: "recent door unlocks"},
		{Route: "status", Access: AccessOwnerOnly},
		{Route: "help", Description: "show available commands"},
	}
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}
	menu := buildMenuCommands(root, cmds)
	var names []string
	for _, c := range menu {
		names = append(names, c.Command)
	}
	if strings.Join(names, ",") != "door,help,door_last" {
		t.Fatalf("menu = %v", names)
	}
}

func TestMenuName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"door last", "door_last"},
		{"Door-Last", "door_last"},
		{"9lives", "cmd_9lives"},
		{"!!!", ""},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, c := range cases {
		if got := menuName(c.in); got != c.want {
			t.Fatalf("menuName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTokenizeQuotes(t *testing.T) {
	got := tokenizeCommandLine(`door last "3" 'a b'`)
	if strings.Join(got, "|") != "door|last|3|a b" {
		t.Fatalf("tokens = %q", got)
	}
}

func TestCommandOutcomeLoggedAndCounted(t *testing.T) {
	var buf bytes.Buffer
	a := &fakeAdapter{}
	m := NewManager(logx.NewWriter(&buf, "debug"), a, Options{})
	m.SetRegistry([]Command{
		{Route: "door fail", Handle: func(ctx context.Context, req *Request) error { return errors.New("history unavailable") }},
		{Route: "door slow", Timeout: 10 * time.Millisecond, Handle: func(ctx context.Context, req *Request) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})

	failBefore := testutil.ToFloat64(metrics.CommandsHandled.WithLabelValues("door fail", "error"))
	slowBefore := testutil.ToFloat64(metrics.CommandsHandled.WithLabelValues("door slow", "timeout"))

	if err := m.Dispatch(context.Background(), msg("@u:x", "!door fail 3")); err == nil {
		t.Fatal("failing command returned nil")
	}
	if err := m.Dispatch(context.Background(), msg("@u:x", "!door slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow command = %v", err)
	}

	if got := testutil.ToFloat64(metrics.CommandsHandled.WithLabelValues("door fail", "error")) - failBefore; got != 1 {
		t.Fatalf("error count delta = %v", got)
	}
	if got := testutil.ToFloat64(metrics.CommandsHandled.WithLabelValues("door slow", "timeout")) - slowBefore; got != 1 {
		t.Fatalf("timeout count delta = %v", got)
	}

	var failLine map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) == nil && entry["message"] == "command failed" && entry["cmd"] == "door fail" {
			failLine = entry
		}
	}
	if failLine == nil {
		t.Fatalf("no failure line in %s", buf.String())
	}
	if failLine["room"] != "!r:x" || failLine["path"] != "door fail" || failLine["argv"] != "3" || failLine["result"] != "error" {
		t.Fatalf("failure line = %v", failLine)
	}
}
