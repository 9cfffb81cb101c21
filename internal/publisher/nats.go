// Package publisher publishes crawler discovery events.
package publisher

import (
	"context"
	"fmt"

	"github.com/blockedby/tg-crawler/internal/models"
)

// JetStream is the publishing side of the nats client.
type JetStream interface {
	Publish(ctx context.Context, subject string, data any) error
}

// NATSPublisher implements the search and extraction event publishers.
type NATSPublisher struct {
	js JetStream
}

// NewNATSPublisher creates a new publisher.
func NewNATSPublisher(js JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// PublishEntityDiscovered publishes a newly persisted entity.
func (p *NATSPublisher) PublishEntityDiscovered(ctx context.Context, event models.EntityDiscoveredEvent) error {
	if err := p.js.Publish(ctx, models.SubjectEntitiesDiscovered, event); err != nil {
		return fmt.Errorf("publish entity %d: %w", event.EntityID, err)
	}
	return nil
}

// PublishMembersDiscovered publishes an extraction summary.
func (p *NATSPublisher) PublishMembersDiscovered(ctx context.Context, event models.MembersDiscoveredEvent) error {
	if err := p.js.Publish(ctx, models.SubjectMembersDiscovered, event); err != nil {
		return fmt.Errorf("publish members of %d: %w", event.EntityID, err)
	}
	return nil
}
