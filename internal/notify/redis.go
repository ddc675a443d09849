// Package notify delivers fire-and-forget user notifications over Redis
// pub/sub. Delivery is best-effort: losing a message must never fail the
// operation that produced it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/adaptive-therapy-server/internal/domain"
)

// RedisNotifier publishes notifications to a per-user Redis channel. A
// circuit breaker shields the write path from a struggling Redis: while the
// breaker is open publishes fail fast instead of piling up on timeouts.
type RedisNotifier struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	log     *logrus.Logger
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(redisURL, channelPrefix string, logger *logrus.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	if channelPrefix == "" {
		channelPrefix = "notifications"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-notifier",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Notifier circuit breaker state changed")
		},
	})

	logger.WithField("channel_prefix", channelPrefix).Info("Redis notifier connected")

	return &RedisNotifier{
		client:  client,
		breaker: breaker,
		prefix:  channelPrefix,
		log:     logger,
	}, nil
}

// Channel returns the pub/sub channel name for a user.
func (n *RedisNotifier) Channel(userID string) string {
	return fmt.Sprintf("%s:%s", n.prefix, userID)
}

// Notify publishes the notification to the user's channel.
func (n *RedisNotifier) Notify(ctx context.Context, notification *domain.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		return nil, n.client.Publish(ctx, n.Channel(notification.UserID), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription for the user's channel. The caller
// owns the returned subscription and must close it.
func (n *RedisNotifier) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return n.client.Subscribe(ctx, n.Channel(userID))
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
