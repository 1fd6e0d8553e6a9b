package door

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const NoRecentEntries = "No recent entries."

var ErrBadAmount = errors.New("amount must be a positive whole number")

// ParseAmount reads the optional "last [amount]" argument.
// Missing means 1; values above MaxQuery are clamped.
func ParseAmount(args []string) (int, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || n < 1 {
		return 0, ErrBadAmount
	}
	if n > MaxQuery {
		n = MaxQuery
	}
	return n, nil
}

// Last is a query result ready for rendering.
type Last struct {
	Requested int           `json:"requested"`
	Events    []UnlockEvent `json:"events"`
	Empty     bool          `json:"empty"`
}

// QueryLast reads the n most recent events from h.
func QueryLast(h *History, n int) Last {
	events, ok := h.LastN(n)
	if n > MaxQuery {
		n = MaxQuery
	}
	return Last{Requested: n, Events: events, Empty: !ok}
}

// Format renders one line per event, most recent first, or the
// "no recent entries" line when the history is empty.
func (l Last) Format(now time.Time) string {
	if l.Empty || len(l.Events) == 0 {
		return NoRecentEntries
	}
	lines := make([]string, 0, len(l.Events))
	for _, e := range l.Events {
		lines = append(lines, e.DisplayName+"     "+humanize.RelTime(e.ObservedAt, now, "ago", "from now"))
	}
	return strings.Join(lines, "\n")
}
