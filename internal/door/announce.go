package door

import (
	"context"
	"strings"

	"doorbot/internal/metrics"
	logx "doorbot/pkg/logx"
)

// RoomSigil prefixes every valid internal room identifier.
const RoomSigil = "!"

const DefaultAnnounceTemplate = "{name} entered the space"

// Sink delivers an announcement to one room.
type Sink interface {
	Send(ctx context.Context, room, text string) error
}

// ValidRoom reports whether room is a well-formed internal room id.
func ValidRoom(room string) bool {
	return len(room) > len(RoomSigil) && strings.HasPrefix(room, RoomSigil)
}

// RenderAnnouncement substitutes {name} in tmpl.
func RenderAnnouncement(tmpl, name string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultAnnounceTemplate
	}
	return strings.ReplaceAll(tmpl, "{name}", name)
}

// announce sends text to every valid room and returns how many sends succeeded.
// Bad room ids and sink failures are logged and skipped.
func announce(ctx context.Context, log logx.Logger, sink Sink, rooms []string, text string) int {
	if sink == nil {
		return 0
	}
	sent := 0
	for _, room := range rooms {
		if !ValidRoom(room) {
			log.Warn("skipping announcement: not an internal room id", logx.String("room", room))
			metrics.AnnouncementsTotal.WithLabelValues("invalid_room").Inc()
			continue
		}
		if err := sink.Send(ctx, room, text); err != nil {
			log.Warn("announcement failed", logx.String("room", room), logx.Err(err))
			metrics.AnnouncementsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.AnnouncementsTotal.WithLabelValues("sent").Inc()
		sent++
	}
	return sent
}
