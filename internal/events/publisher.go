package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishTurnEvent publishes a completed or failed turn.
func (p *Publisher) PublishTurnEvent(ctx context.Context, evt TurnEvent) error {
	return p.publish(ctx, SubjectTurnEvent, evt)
}

// PublishSessionEvent publishes a session lifecycle change.
func (p *Publisher) PublishSessionEvent(ctx context.Context, evt SessionEvent) error {
	return p.publish(ctx, SubjectSessionEvent, evt)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
