package publishers

import (
	"time"

	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/google/uuid"
)

// Event kinds published by the console.
const (
	KindCommand    = "command"
	KindRegistered = "registered"
	KindUpdated    = "updated"
	KindDeleted    = "deleted"
)

// Event is the payload delivered to downstream sinks. Command is set only for
// KindCommand events and its ID doubles as the command token.
type Event struct {
	ID         string                       `json:"id"`
	Kind       string                       `json:"kind"`
	DeviceID   string                       `json:"device_id"`
	Group      string                       `json:"group,omitempty"`
	Command    *domain.ExecuteCommandParams `json:"command,omitempty"`
	OccurredAt time.Time                    `json:"occurred_at"`
}

// NewEvent builds a device lifecycle event.
func NewEvent(kind, deviceID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		DeviceID:   deviceID,
		OccurredAt: time.Now().UTC(),
	}
}

// NewCommandEvent wraps a command for delivery to its device.
func NewCommandEvent(cmd domain.ExecuteCommandParams) Event {
	evt := NewEvent(KindCommand, cmd.ID)
	evt.Group = cmd.Group
	evt.Command = &cmd
	return evt
}

// Attributes are the routing attributes attached to queue and topic messages.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"device_id":  e.DeviceID,
		"event_kind": e.Kind,
	}
}
