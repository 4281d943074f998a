package activities

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/orderflow/internal/saga"
)

// Notifier delivers order notifications.
type Notifier interface {
	Notify(ctx context.Context, n saga.Notification) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier that logs. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg saga.Notification) error {
	n.logger.InfoContext(ctx, "order notification",
		slog.String("order_id", msg.OrderID),
		slog.String("message", msg.Message),
	)
	return nil
}

// RedisNotifier publishes notifications as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier returns a publishing Notifier. channel defaults to
// "notifications".
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "notifications"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, msg saga.Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}
