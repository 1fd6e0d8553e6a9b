package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"doorbot/internal/door"
	rtsup "doorbot/internal/runtime/supervisor"
	logx "doorbot/pkg/logx"
)

// DoorCommands returns the "door last [amount]" query.
func DoorCommands(h *door.History, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	return []Command{{
		Route:       "door last",
		Aliases:     []string{"last"},
		Description: "recent door unlocks",
		Usage:       fmt.Sprintf("door last [amount], amount 1-%d, default 1", door.MaxQuery),
		Access:      AccessEveryone,
		Timeout:     5 * time.Second,
		Handle: func(ctx context.Context, req *Request) error {
			n, err := door.ParseAmount(req.Args)
			if err != nil {
				req.Logger.Debug("rejected door query", logx.Err(err))
				return req.Reply(ctx, "Usage: door last [amount] ("+err.Error()+")")
			}
			return req.Reply(ctx, door.QueryLast(h, n).Format(now()))
		},
	}}
}

// Status is the snapshot rendered by the status command.
type Status struct {
	Broker      string                 `json:"broker"`
	BrokerError string                 `json:"broker_error,omitempty"`
	HistoryLen  int                    `json:"history_len"`
	HistoryCap  int                    `json:"history_cap"`
	StartedAt   time.Time              `json:"started_at"`
	Notified    uint64                 `json:"notified"`
	Goroutines  []rtsup.GoroutineStats `json:"goroutines"`
}

func StatusCommand(fn func() Status) Command {
	return Command{
		Route:       "status",
		Description: "broker state, history size and uptime",
		Usage:       "status",
		Access:      AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, FormatStatus(fn(), time.Now()))
		},
	}
}

func FormatStatus(s Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "broker: %s", s.Broker)
	if s.BrokerError != "" {
		fmt.Fprintf(&b, " (last error: %s)", s.BrokerError)
	}
	fmt.Fprintf(&b, "\nhistory: %d/%d", s.HistoryLen, s.HistoryCap)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "\nup since: %s", humanize.RelTime(s.StartedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(&b, "\nnotifications: %s", humanize.Comma(int64(s.Notified)))
	var restarts, panics uint64
	for _, g := range s.Goroutines {
		restarts += g.Restarts
		panics += g.Panics
	}
	if len(s.Goroutines) > 0 {
		fmt.Fprintf(&b, "\ngoroutines: %d (restarts %d, panics %d)", len(s.Goroutines), restarts, panics)
	}
	return b.String()
}
