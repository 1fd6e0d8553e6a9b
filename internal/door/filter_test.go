package door

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"doorbot/internal/eventbus"
	logx "doorbot/pkg/logx"
)

type sentNotice struct {
	room string
	text string
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sentNotice
	fail map[string]error
}

func (s *recordingSink) Send(_ context.Context, room, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[room]; err != nil {
		return err
	}
	s.sent = append(s.sent, sentNotice{room: room, text: text})
	return nil
}

func (s *recordingSink) notices() []sentNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentNotice(nil), s.sent...)
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func unlockBody(fob, name string, announce bool) []byte {
	return []byte(fmt.Sprintf(`{"type":"UNLOCK_ATTEMPT","permitted":true,"fobNumber":%q,"name":%q,"announce":%t}`, fob, name, announce))
}

func newTestFilter(rooms ...string) (*Filter, *recordingSink) {
	sink := &recordingSink{}
	f := NewFilter(Config{Rooms: rooms, Cooldown: 120 * time.Second, Grace: 15 * time.Second}, start, NewHistory(25), sink, logx.Nop(), nil)
	return f, sink
}

func TestScenarioAcceptAndAnnounce(t *testing.T) {
	f, sink := newTestFilter("!lobby:example.org", "!ops:example.org")
	now := start.Add(30 * time.Second)

	d := f.Evaluate(context.Background(), unlockBody("42", "Alice", true), now)
	if !d.Accepted {
		t.Fatalf("expected acceptance, got reason %q err %v", d.Reason, d.Err)
	}
	if d.Event.CredentialID != "42" || d.Event.DisplayName != "Alice" || !d.Event.ObservedAt.Equal(now) {
		t.Fatalf("unexpected event: %+v", d.Event)
	}
	if d.Event.ID == "" {
		t.Fatal("expected event id")
	}
	snap := f.History().Snapshot()
	if len(snap) != 1 || snap[0].DisplayName != "Alice" {
		t.Fatalf("history = %+v", snap)
	}
	notes := sink.notices()
	if len(notes) != 2 || d.Notified != 2 {
		t.Fatalf("expected 2 notifications, got %d (notified=%d)", len(notes), d.Notified)
	}
	for _, n := range notes {
		if n.text != "Alice entered the space" {
			t.Fatalf("notification text = %q", n.text)
		}
	}
}

func TestScenarioCooldown(t *testing.T) {
	f, sink := newTestFilter("!lobby:example.org")
	t0 := start.Add(30 * time.Second)

	if d := f.Evaluate(context.Background(), unlockBody("42", "Alice", true), t0); !d.Accepted {
		t.Fatalf("first swipe rejected: %q", d.Reason)
	}
	d := f.Evaluate(context.Background(), unlockBody("42", "Alice", true), t0.Add(10*time.Second))
	if d.Accepted || d.Reason != RejectCooldown {
		t.Fatalf("second swipe: accepted=%v reason=%q", d.Accepted, d.Reason)
	}
	if f.History().Len() != 1 || len(sink.notices()) != 1 {
		t.Fatalf("history=%d notices=%d after suppressed swipe", f.History().Len(), len(sink.notices()))
	}

	d = f.Evaluate(context.Background(), unlockBody("42", "Alice", true), t0.Add(150*time.Second))
	if !d.Accepted {
		t.Fatalf("swipe after cooldown rejected: %q", d.Reason)
	}
	if f.History().Len() != 2 {
		t.Fatalf("history len = %d, want 2", f.History().Len())
	}
}

func TestCooldownKeyedOnCredentialOnly(t *testing.T) {
	f, _ := newTestFilter()
	t0 := start.Add(time.Minute)
	f.Evaluate(context.Background(), unlockBody("7", "Bob", false), t0)
	if d := f.Evaluate(context.Background(), unlockBody("7", "Robert", false), t0.Add(time.Second)); d.Reason != RejectCooldown {
		t.Fatalf("same fob under another name: reason %q", d.Reason)
	}
	if d := f.Evaluate(context.Background(), unlockBody("8", "Bob", false), t0.Add(2*time.Second)); !d.Accepted {
		t.Fatalf("different fob same name rejected: %q", d.Reason)
	}
}

func TestCooldownBoundaryAccepts(t *testing.T) {
	f, _ := newTestFilter()
	t0 := start.Add(time.Minute)
	f.Evaluate(context.Background(), unlockBody("1", "A", false), t0)
	if d := f.Evaluate(context.Background(), unlockBody("1", "A", false), t0.Add(120*time.Second)); !d.Accepted {
		t.Fatalf("swipe exactly one cooldown later rejected: %q", d.Reason)
	}
}

func TestDedupInvariantOverSequence(t *testing.T) {
	f, _ := newTestFilter()
	// offsets in seconds after the grace period
	offsets := []int{0, 30, 60, 119, 121, 200, 241, 400}
	var accepted []time.Time
	for _, off := range offsets {
		now := start.Add(time.Minute + time.Duration(off)*time.Second)
		if d := f.Evaluate(context.Background(), unlockBody("9", "Cy", false), now); d.Accepted {
			accepted = append(accepted, now)
		}
	}
	for i := 1; i < len(accepted); i++ {
		if gap := accepted[i].Sub(accepted[i-1]); gap < 120*time.Second {
			t.Fatalf("accepted events %v apart", gap)
		}
	}
	if len(accepted) != 4 {
		t.Fatalf("accepted %d events, want 4 (0s, 121s, 241s, 400s)", len(accepted))
	}
}

func TestScenarioWrongTypeAndDenied(t *testing.T) {
	f, _ := newTestFilter()
	now := start.Add(time.Minute)
	d := f.Evaluate(context.Background(), []byte(`{"type":"door opened","permitted":true,"fobNumber":"1","name":"A","announce":true}`), now)
	if d.Reason != RejectType {
		t.Fatalf("wrong type: reason %q", d.Reason)
	}
	d = f.Evaluate(context.Background(), []byte(`{"type":"UNLOCK_ATTEMPT","permitted":false,"fobNumber":"1","name":"A","announce":true}`), now)
	if d.Reason != RejectNotPermitted {
		t.Fatalf("denied: reason %q", d.Reason)
	}
	if f.History().Len() != 0 {
		t.Fatalf("history len = %d, want 0", f.History().Len())
	}
}

func TestMalformedInput(t *testing.T) {
	f, _ := newTestFilter()
	now := start.Add(time.Minute)
	for _, body := range []string{`not json`, `{"type":"door opened"}`, `{"type":"UNLOCK_ATTEMPT","permitted":true,"fobNumber":"1","name":"A"}`} {
		d := f.Evaluate(context.Background(), []byte(body), now)
		if d.Reason != RejectMalformed || !errors.Is(d.Err, ErrMalformed) {
			t.Fatalf("%s: reason=%q err=%v", body, d.Reason, d.Err)
		}
	}
	if err := f.Handle(context.Background(), []byte(`{}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Handle err = %v", err)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	f, _ := newTestFilter()
	body := `{"type":"UNLOCK_ATTEMPT","permitted":true,"fobNumber":"5","name":"Eve","announce":false,"door":"front","ts":123}`
	if d := f.Evaluate(context.Background(), []byte(body), start.Add(time.Minute)); !d.Accepted {
		t.Fatalf("rejected with extra fields: %q %v", d.Reason, d.Err)
	}
}

func TestGracePeriod(t *testing.T) {
	f, sink := newTestFilter("!lobby:example.org")
	for _, off := range []time.Duration{0, 5 * time.Second, 15 * time.Second} {
		d := f.Evaluate(context.Background(), unlockBody("42", "Alice", true), start.Add(off))
		if d.Reason != RejectGrace {
			t.Fatalf("at +%v: reason %q", off, d.Reason)
		}
	}
	if f.History().Len() != 0 || len(sink.notices()) != 0 {
		t.Fatal("grace-period events leaked into history or notifications")
	}
	if d := f.Evaluate(context.Background(), unlockBody("42", "Alice", true), start.Add(16*time.Second)); !d.Accepted {
		t.Fatalf("after grace: reason %q", d.Reason)
	}
}

func TestScenarioCapacity(t *testing.T) {
	f, _ := newTestFilter()
	for i := 1; i <= 30; i++ {
		now := start.Add(time.Minute + time.Duration(i)*time.Second)
		if d := f.Evaluate(context.Background(), unlockBody(fmt.Sprint(i), fmt.Sprintf("user%d", i), false), now); !d.Accepted {
			t.Fatalf("event %d rejected: %q", i, d.Reason)
		}
	}
	snap := f.History().Snapshot()
	if len(snap) != 25 {
		t.Fatalf("history len = %d, want 25", len(snap))
	}
	if snap[0].DisplayName != "user6" || snap[24].DisplayName != "user30" {
		t.Fatalf("retained %s..%s, want user6..user30", snap[0].DisplayName, snap[24].DisplayName)
	}
}

func TestInvalidRoomsSkipped(t *testing.T) {
	f, sink := newTestFilter("#alias:example.org", "", "!good:example.org", "!")
	d := f.Evaluate(context.Background(), unlockBody("3", "Dana", true), start.Add(time.Minute))
	if !d.Accepted {
		t.Fatalf("rejected: %q", d.Reason)
	}
	notes := sink.notices()
	if len(notes) != 1 || notes[0].room != "!good:example.org" {
		t.Fatalf("notices = %+v", notes)
	}
}

func TestSinkFailureDoesNotAffectHistory(t *testing.T) {
	f, sink := newTestFilter("!a:x", "!b:x")
	sink.fail = map[string]error{"!a:x": errors.New("boom")}
	d := f.Evaluate(context.Background(), unlockBody("3", "Dana", true), start.Add(time.Minute))
	if !d.Accepted || d.Notified != 1 {
		t.Fatalf("accepted=%v notified=%d", d.Accepted, d.Notified)
	}
	if f.History().Len() != 1 {
		t.Fatalf("history len = %d", f.History().Len())
	}
}

func TestNoAnnounceFlag(t *testing.T) {
	f, sink := newTestFilter("!a:x")
	if d := f.Evaluate(context.Background(), unlockBody("3", "Dana", false), start.Add(time.Minute)); !d.Accepted {
		t.Fatalf("rejected: %q", d.Reason)
	}
	if len(sink.notices()) != 0 {
		t.Fatal("announce=false still notified")
	}
}

type recorderFunc func(UnlockEvent)

func (f recorderFunc) Record(e UnlockEvent) { f(e) }

func TestApplyAndRecorderAndBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "door.")
	defer unsub()

	sink := &recordingSink{}
	f := NewFilter(Config{Cooldown: time.Hour}, start, nil, sink, logx.Nop(), bus)
	var recorded []UnlockEvent
	f.SetRecorder(recorderFunc(func(e UnlockEvent) { recorded = append(recorded, e) }))

	t0 := start.Add(time.Minute)
	f.Evaluate(context.Background(), unlockBody("1", "A", true), t0)
	if d := f.Evaluate(context.Background(), unlockBody("1", "A", true), t0.Add(10*time.Minute)); d.Reason != RejectCooldown {
		t.Fatalf("hour cooldown not honored: %q", d.Reason)
	}

	f.Apply(Config{Rooms: []string{"!late:x"}, Cooldown: time.Minute, AnnounceTemplate: "Welcome {name}"})
	d := f.Evaluate(context.Background(), unlockBody("1", "A", true), t0.Add(11*time.Minute))
	if !d.Accepted {
		t.Fatalf("after Apply: %q", d.Reason)
	}
	if notes := sink.notices(); len(notes) != 1 || notes[0].text != "Welcome A" || notes[0].room != "!late:x" {
		t.Fatalf("notices = %+v", notes)
	}
	if len(recorded) != 2 {
		t.Fatalf("recorded %d events, want 2", len(recorded))
	}

	var accepted, rejected int
	for len(ch) > 0 {
		switch (<-ch).Type {
		case eventbus.DoorAccepted:
			accepted++
		case eventbus.DoorRejected:
			rejected++
		}
	}
	if accepted != 2 || rejected != 1 {
		t.Fatalf("bus saw accepted=%d rejected=%d", accepted, rejected)
	}
}
