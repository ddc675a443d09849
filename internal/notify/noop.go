package notify

import (
	"context"

	"github.com/adaptive-therapy-server/internal/domain"
)

// NoopNotifier discards notifications. Used when the notification channel is
// disabled in configuration.
type NoopNotifier struct{}

// NewNoopNotifier creates a notifier that drops everything.
func NewNoopNotifier() *NoopNotifier {
	return &NoopNotifier{}
}

// Notify discards the notification.
func (*NoopNotifier) Notify(ctx context.Context, n *domain.Notification) error {
	return nil
}
