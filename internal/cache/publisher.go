package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"flow-alerts/internal/alerting"
)

// AlertPublisher broadcasts alerts on a Redis Pub/Sub channel for other
// processes to forward to devices.
type AlertPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewAlertPublisher creates a publisher for channel.
func NewAlertPublisher(c *Client, channel string) *AlertPublisher {
	return &AlertPublisher{rdb: c.rdb, channel: channel}
}

// Notify publishes the alert as JSON.
func (p *AlertPublisher) Notify(ctx context.Context, note alerting.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("redis: marshal alert: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", p.channel, err)
	}
	return nil
}

var _ alerting.Notifier = (*AlertPublisher)(nil)
