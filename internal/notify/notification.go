// Package notify delivers user notifications without ever blocking the
// pipeline. Delivery is best effort: failures are logged and counted.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kafka"
)

// Kind classifies notifications.
type Kind string

const (
	KindUnlock  Kind = "unlock"
	KindLevelUp Kind = "level_up"
)

// Notification is one user-facing message.
type Notification struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Sound     bool              `json:"sound"`
	Badge     bool              `json:"badge"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Dispatcher hands a notification to the delivery infrastructure.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Authorizer reports whether the user allowed notifications on this device.
type Authorizer interface {
	Authorized(ctx context.Context) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) (bool, error)

func (f AuthorizerFunc) Authorized(ctx context.Context) (bool, error) { return f(ctx) }

// AlwaysAuthorized is used when the platform has no permission model.
var AlwaysAuthorized Authorizer = AuthorizerFunc(func(context.Context) (bool, error) { return true, nil })

type kafkaDispatcher struct {
	producer kafka.Producer
	topic    string
}

// NewKafkaDispatcher publishes notifications as JSON to topic, keyed by ID.
func NewKafkaDispatcher(producer kafka.Producer, topic string) Dispatcher {
	return &kafkaDispatcher{producer: producer, topic: topic}
}

func (d *kafkaDispatcher) Dispatch(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return &domain.NotificationDeliveryError{NotificationID: n.ID, Err: fmt.Errorf("marshal: %w", err)}
	}
	if err := d.producer.Publish(ctx, d.topic, n.ID, data); err != nil {
		return &domain.NotificationDeliveryError{NotificationID: n.ID, Err: err}
	}
	return nil
}

type logDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher writes notifications to the log. Used when no broker is configured.
func NewLogDispatcher(logger *slog.Logger) Dispatcher {
	return &logDispatcher{logger: logger}
}

func (d *logDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.logger.Info("notification",
		slog.String("notification_id", n.ID),
		slog.String("kind", string(n.Kind)),
		slog.String("title", n.Title),
		slog.String("body", n.Body),
		slog.Bool("sound", n.Sound),
		slog.Bool("badge", n.Badge),
	)
	return nil
}
