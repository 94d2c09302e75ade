package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
)

// Result of a Notify call.
type Result string

const (
	ResultQueued       Result = "queued"
	ResultDisabled     Result = "disabled"
	ResultUnauthorized Result = "unauthorized"
	ResultDropped      Result = "dropped"
)

type envelope struct {
	n    Notification
	span trace.SpanContext
}

// Service gates, decorates and asynchronously delivers notifications.
type Service struct {
	dispatcher Dispatcher
	prefs      *Preferences
	authorizer Authorizer
	loc        *time.Location
	now        func() time.Time
	timeout    time.Duration
	logger     *slog.Logger

	queue  chan envelope
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// Option configures a Service.
type Option func(*Service)

func WithAuthorizer(a Authorizer) Option         { return func(s *Service) { s.authorizer = a } }
func WithLocation(loc *time.Location) Option     { return func(s *Service) { s.loc = loc } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }
func WithDeliveryTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }
func WithLogger(l *slog.Logger) Option           { return func(s *Service) { s.logger = l } }

// WithBuffer sets how many notifications may wait for delivery.
func WithBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan envelope, n)
		}
	}
}

// NewService starts the delivery goroutine. Call Close to drain and stop it.
func NewService(dispatcher Dispatcher, prefs *Preferences, opts ...Option) *Service {
	s := &Service{
		dispatcher: dispatcher,
		prefs:      prefs,
		authorizer: AlwaysAuthorized,
		loc:        time.Local,
		now:        time.Now,
		timeout:    10 * time.Second,
		logger:     slog.Default(),
		queue:      make(chan envelope, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Notify gates n and hands it to the delivery goroutine without waiting for
// delivery. A full buffer drops the notification.
func (s *Service) Notify(ctx context.Context, n Notification) Result {
	log := s.logger.With(slog.String("kind", string(n.Kind)), slog.String("title", n.Title))

	ok, err := s.authorizer.Authorized(ctx)
	if err != nil || !ok {
		if err != nil {
			log.Warn("authorization check failed", slog.String("error", err.Error()))
		}
		telemetry.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return ResultUnauthorized
	}

	prefs, err := s.prefs.Get(ctx)
	if err != nil {
		log.Warn("using default preferences", slog.String("error", err.Error()))
	}
	if !prefs.Enabled {
		telemetry.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return ResultDisabled
	}

	now := s.now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}
	n.Sound = prefs.Sound && !prefs.InQuietHours(now.In(s.loc).Hour())
	n.Badge = prefs.Badge

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		telemetry.NotificationsTotal.WithLabelValues("dropped").Inc()
		log.Warn("notification service closed, dropping")
		return ResultDropped
	}
	select {
	case s.queue <- envelope{n: n, span: trace.SpanContextFromContext(ctx)}:
		return ResultQueued
	default:
		telemetry.NotificationsTotal.WithLabelValues("dropped").Inc()
		log.Warn("notification buffer full, dropping", slog.String("notification_id", n.ID))
		return ResultDropped
	}
}

func (s *Service) run() {
	defer close(s.done)
	for env := range s.queue {
		s.deliver(env)
	}
}

func (s *Service) deliver(env envelope) {
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), env.span)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "notify.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", env.n.ID),
		attribute.String("notification.kind", string(env.n.Kind)),
	)

	if err := s.dispatcher.Dispatch(ctx, env.n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		telemetry.NotificationsTotal.WithLabelValues("error").Inc()
		s.logger.Error("notification delivery failed",
			slog.String("notification_id", env.n.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.NotificationsTotal.WithLabelValues("delivered").Inc()
}

// Close stops accepting notifications and waits until the buffer drains
// or ctx expires.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
