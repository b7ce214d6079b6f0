package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

const publishTimeout = 10 * time.Second

// PubSubEmitter publishes events to a Google Cloud Pub/Sub topic.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubEmitter connects to projectID and publishes to topicID. The
// topic must already exist.
func NewPubSubEmitter(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubEmitter, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub: project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new client: %w", err)
	}
	return &PubSubEmitter{client: client, topic: client.Topic(topicID)}, nil
}

// Emit publishes event and waits for the server acknowledgement.
func (e *PubSubEmitter) Emit(ctx context.Context, event GovernanceEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pubsub: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	res := e.topic.Publish(ctx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"event_type": event.EventType,
			"outcome":    event.Outcome,
			"risk_level": event.RiskLevel,
			"sequence":   strconv.FormatUint(event.Sequence, 10),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("pubsub: publish sequence %d: %w", event.Sequence, err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	return e.client.Close()
}
