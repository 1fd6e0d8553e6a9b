package door

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypeUnlockAttempt is the only message type this pipeline surfaces.
const TypeUnlockAttempt = "UNLOCK_ATTEMPT"

var ErrMalformed = errors.New("malformed door message")

// UnlockEvent is an accepted unlock. It is never mutated after creation.
type UnlockEvent struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	DisplayName  string    `json:"display_name"`
	ObservedAt   time.Time `json:"observed_at"`
	Announced    bool      `json:"announced"`
}

// Message is the broker payload published by the door controller.
// Unknown fields are ignored.
type Message struct {
	Type      string `json:"type"`
	Permitted bool   `json:"permitted"`
	FobNumber string `json:"fobNumber"`
	Name      string `json:"name"`
	Announce  bool   `json:"announce"`
}

// wireMessage uses pointers so missing fields can be told apart from zero values.
type wireMessage struct {
	Type      *string `json:"type"`
	Permitted *bool   `json:"permitted"`
	FobNumber *string `json:"fobNumber"`
	Name      *string `json:"name"`
	Announce  *bool   `json:"announce"`
}

// DecodeMessage parses a raw broker body. Every field is required.
func DecodeMessage(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var missing []string
	if w.Type == nil {
		missing = append(missing, "type")
	}
	if w.Permitted == nil {
		missing = append(missing, "permitted")
	}
	if w.FobNumber == nil {
		missing = append(missing, "fobNumber")
	}
	if w.Name == nil {
		missing = append(missing, "name")
	}
	if w.Announce == nil {
		missing = append(missing, "announce")
	}
	if len(missing) > 0 {
		return Message{}, fmt.Errorf("%w: missing fields %v", ErrMalformed, missing)
	}
	return Message{
		Type:      *w.Type,
		Permitted: *w.Permitted,
		FobNumber: *w.FobNumber,
		Name:      *w.Name,
		Announce:  *w.Announce,
	}, nil
}

func newUnlockEvent(m Message, now time.Time) UnlockEvent {
	return UnlockEvent{
		ID:           uuid.NewString(),
		CredentialID: m.FobNumber,
		DisplayName:  m.Name,
		ObservedAt:   now,
		Announced:    m.Announce,
	}
}
