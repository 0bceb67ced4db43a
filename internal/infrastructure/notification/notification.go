// Package notification pushes order status changes to whoever watches the
// order. Delivery is best effort; the order row is the source of truth.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"gozon-saga/internal/domain"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	EventOrderStatusChanged = "OrderStatusChanged"
	channelPrefix           = "GozonOrders"
)

// Channel is the pub/sub channel subscribers of one order listen on.
func Channel(orderID uuid.UUID) string {
	return fmt.Sprintf("%s:order:%s", channelPrefix, orderID)
}

type StatusChanged struct {
	Event   string             `json:"event"`
	OrderID uuid.UUID          `json:"orderId"`
	Status  domain.OrderStatus `json:"status"`
}

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	body, err := json.Marshal(StatusChanged{Event: EventOrderStatusChanged, OrderID: orderID, Status: status})
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, Channel(orderID), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(orderID), err)
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LogNotifier only records the change. It stands in when no Redis is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	n.logger.InfoContext(ctx, "order status changed",
		"module", "notification",
		"event", EventOrderStatusChanged,
		"order_id", orderID.String(),
		"status", string(status),
	)
	return nil
}
