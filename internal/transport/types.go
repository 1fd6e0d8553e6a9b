package transport

import (
	"context"
	"errors"
)

// ErrBadRoom is returned by adapters for room ids they cannot address.
var ErrBadRoom = errors.New("transport: malformed room id")

// Message is an inbound chat message.
//
// Room is the adapter's room id, in the same form SendText accepts, so a
// reply goes to Room unchanged.
type Message struct {
	ID       string
	Room     string
	FromID   string
	FromName string
	Text     string
}

type Update struct {
	Message *Message
}

// Adapter is a chat network: commands come in on Start's channel, text goes
// out through SendText.
type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, room, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
