package door

import (
	"sync/atomic"
	"time"
)

const DefaultCooldown = 120 * time.Second

// CooldownWindow suppresses repeat swipes of the same credential.
// Its state lives in History; a credential evicted from History has no cooldown.
type CooldownWindow struct {
	history  *History
	cooldown atomic.Int64
}

func NewCooldownWindow(h *History, cooldown time.Duration) *CooldownWindow {
	w := &CooldownWindow{history: h}
	w.SetCooldown(cooldown)
	return w
}

func (w *CooldownWindow) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.cooldown.Store(int64(d))
}

func (w *CooldownWindow) Cooldown() time.Duration { return time.Duration(w.cooldown.Load()) }

// Blocked reports whether credentialID was accepted less than the cooldown ago.
// It also returns how long ago the previous acceptance was.
func (w *CooldownWindow) Blocked(credentialID string, now time.Time) (bool, time.Duration) {
	last, ok := w.history.LastSeen(credentialID)
	if !ok {
		return false, 0
	}
	since := now.Sub(last)
	return since < w.Cooldown(), since
}
