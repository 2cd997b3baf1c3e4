// Package broadcast fans streaming events out to conversation observers
// over websockets. Delivery is fire and forget: a slow or absent
// subscriber never blocks an activation, and dropped frames are not
// retried since every event is advisory UI state.
package broadcast

import (
	"encoding/json"
	"time"
)

// Event is one frame delivered to subscribers of a conversation.
type Event struct {
	// Name is one of the models.Event* constants.
	Name string `json:"event"`

	// ConversationID scopes delivery.
	ConversationID string `json:"conversation_id"`

	// Payload is the event-specific body.
	Payload any `json:"payload,omitempty"`

	// At is the emission time.
	At time.Time `json:"at"`
}

// Broadcaster publishes events to whoever is watching a conversation.
type Broadcaster interface {
	// Publish delivers the event to current subscribers. It never blocks
	// and never returns an error; there is nothing the caller could do
	// about a failed delivery.
	Publish(event Event)
}

// Discard is a Broadcaster that drops everything. Jobs that run without
// an attached hub use it.
type Discard struct{}

func (Discard) Publish(Event) {}

func encodeEvent(event Event) ([]byte, error) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return json.Marshal(event)
}
