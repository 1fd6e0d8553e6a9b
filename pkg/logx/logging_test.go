package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu    sync.Mutex
	rooms []string
	texts []string
}

func (c *captureSender) SendText(_ context.Context, room, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, room)
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSender) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rooms...), append([]string(nil), c.texts...)
}

func TestNewWriter_WithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "door"))
	log.Debug("hidden")
	log.Info("unlock", Int("n", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["message"] != "unlock" || m["component"] != "door" || m["n"] != float64(3) {
		t.Fatalf("unexpected entry: %v", m)
	}
}

func TestService_RoomSinkHonoursMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Room:  RoomConfig{Enabled: true, Room: "!ops:example.org", MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()

	sender := &captureSender{}
	svc.SetSender(sender)

	log.Info("routine")
	log.Warn("broker down", String("state", "RECONNECT_WAIT"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rooms, _ := sender.snapshot(); len(rooms) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	rooms, texts := sender.snapshot()
	if len(rooms) != 1 {
		t.Fatalf("sends=%d want 1 (%v)", len(rooms), texts)
	}
	if rooms[0] != "!ops:example.org" {
		t.Fatalf("room=%q", rooms[0])
	}
	if !strings.HasPrefix(texts[0], "[WARN] broker down") || !strings.Contains(texts[0], "- state=RECONNECT_WAIT") {
		t.Fatalf("text=%q", texts[0])
	}
}

func TestFormatRoomLine(t *testing.T) {
	got := formatRoomLine([]byte(`{"level":"error","time":"x","message":"send failed","room":"!a:b","err":"boom"}`))
	want := "[ERROR] send failed\n- err=boom\n- room=!a:b"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatRoomLine([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("got %q", got)
	}
}
