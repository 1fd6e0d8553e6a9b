package storage

import (
	"context"
	"errors"
	"time"

	"doorbot/internal/door"
)

var ErrDisabled = errors.New("storage disabled")

var errClosed = errors.New("storage closed")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Store is an append-only journal of accepted unlocks.
type Store interface {
	AppendUnlock(ctx context.Context, e door.UnlockEvent) error
	// PruneBefore drops entries observed before t and reports how many went.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
	Close() error
}

// record is the persisted shape of an unlock.
type record struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	DisplayName  string    `json:"display_name"`
	ObservedAt   time.Time `json:"observed_at"`
	Announced    bool      `json:"announced"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func toRecord(e door.UnlockEvent, now time.Time) record {
	return record{
		ID:           e.ID,
		CredentialID: e.CredentialID,
		DisplayName:  e.DisplayName,
		ObservedAt:   e.ObservedAt,
		Announced:    e.Announced,
		RecordedAt:   now,
	}
}
