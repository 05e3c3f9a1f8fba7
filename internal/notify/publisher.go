package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher sends domain events to Redis so every API process can relay them.
type Publisher struct {
	client *redis.Client
	now    func() time.Time
}

// NewPublisher wraps a redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// Publish marshals v onto channel and returns how many relays received it.
func (p *Publisher) Publish(ctx context.Context, channel string, v any) (int64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s event: %w", channel, err)
	}
	n, err := p.client.Publish(ctx, channel, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

// Grading publishes a grading event, stamping it if needed.
func (p *Publisher) Grading(ctx context.Context, ev GradingEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = p.now().UTC().Format(time.RFC3339Nano)
	}
	_, err := p.Publish(ctx, ChannelGrading, ev)
	return err
}

// Submission publishes a submission notification.
func (p *Publisher) Submission(ctx context.Context, ev SubmissionNotification) error {
	_, err := p.Publish(ctx, ChannelSubmission, ev)
	return err
}

// Assignment publishes an assignment notification.
func (p *Publisher) Assignment(ctx context.Context, ev AssignmentNotification) error {
	_, err := p.Publish(ctx, ChannelAssignment, ev)
	return err
}

// Chat publishes a chat event.
func (p *Publisher) Chat(ctx context.Context, ev ChatEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = p.now().UTC().Format(time.RFC3339Nano)
	}
	_, err := p.Publish(ctx, ChannelChat, ev)
	return err
}
