package movement

import (
	"context"
	"time"
)

// Event names a notification-worthy transition.
type Event string

const (
	EventSubmitted Event = "SUBMITTED"
	EventPosted    Event = "POSTED"
)

// Notification describes a transition for the notification collaborator.
// Delivery and formatting belong to the collaborator.
type Notification struct {
	MovementID int64        `json:"movement_id"`
	DocNumber  string       `json:"doc_number"`
	Type       MovementType `json:"type"`
	Event      Event        `json:"event"`
	ActorID    int64        `json:"actor_id"`
	ActorName  string       `json:"actor_name"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Notifier hands notifications off, typically to a job queue.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
