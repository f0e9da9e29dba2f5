// Package events publishes lifecycle and coordination events.
//
// Publishing is fire-and-forget: a Publisher never reports failures to the
// caller, it logs them. Consumers must not rely on delivery for correctness.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a published notification.
type Event struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(name string, payload map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
}

// Publisher emits named events.
type Publisher interface {
	Publish(ctx context.Context, name string, payload map[string]any)
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, name string, payload map[string]any) {}

// MultiPublisher fans out to several publishers in order.
type MultiPublisher []Publisher

// NewMultiPublisher drops nil entries and collapses trivial cases.
func NewMultiPublisher(pubs ...Publisher) Publisher {
	out := make(MultiPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return NoopPublisher{}
	case 1:
		return out[0]
	}
	return out
}

func (m MultiPublisher) Publish(ctx context.Context, name string, payload map[string]any) {
	for _, p := range m {
		p.Publish(ctx, name, payload)
	}
}
