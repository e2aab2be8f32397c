// Package pubsub publishes real-time monitor updates over Redis pub/sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upmon-net/upmon/pkg/types"
)

// Channel is the pub/sub channel carrying one message per probe completion.
const Channel = "monitor-updates"

// Publisher emits status updates. Publishing is fire-and-forget: a failed
// publish is logged and dropped, never retried, because a fresher update is
// at most one probe interval away.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher on an existing Redis client.
func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger.With("component", "pubsub"),
	}
}

// Publish sends one status update on the monitor-updates channel.
func (p *Publisher) Publish(ctx context.Context, update types.StatusUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		p.logger.Error("failed to marshal status update", "target_id", update.ServerID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, Channel, data).Err(); err != nil {
		p.logger.Warn("failed to publish status update", "target_id", update.ServerID, "error", err)
	}
}

// Subscribe returns a subscription to the monitor-updates channel. Used by
// the REST collaborator's streaming surface and by tests.
func (p *Publisher) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := p.client.Subscribe(ctx, Channel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", Channel, err)
	}
	return sub, nil
}
