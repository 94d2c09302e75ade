// Package ingest pulls workouts from the health data source and filters them
// down to a deduplicated, valid batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/healthsource"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
)

const (
	KeyAnchor      = "sync:anchor"
	KeyInstallDate = "app:install_date"
)

// Error kinds reported in Status.
const (
	ErrKindSourceUnavailable   = "source_unavailable"
	ErrKindAuthorizationDenied = "authorization_denied"
	ErrKindTransient           = "transient"
	ErrKindStore               = "store"
)

// Batch is the result of one pull. Commit it once downstream work is durable.
type Batch struct {
	Workouts  []domain.WorkoutRecord
	Mode      domain.SyncMode
	NewAnchor string
	// PreInstall counts records dropped for ending before the install date.
	PreInstall int
	Fetched    int
}

// Status is the engine's externally visible state.
type Status struct {
	LastSuccessAt *time.Time      `json:"last_success_at,omitempty"`
	LastMode      domain.SyncMode `json:"last_mode,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	InstallDate   time.Time       `json:"install_date"`
}

// Engine pulls new workouts and owns the anchor.
type Engine struct {
	source healthsource.Source
	store  kv.Store
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }

// NewEngine constructs an Engine reading from source and persisting to store.
func NewEngine(source healthsource.Source, store kv.Store, opts ...Option) *Engine {
	e := &Engine{source: source, store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureInstallDate returns the persisted install date, recording now on first use.
func (e *Engine) EnsureInstallDate(ctx context.Context) (time.Time, error) {
	raw, err := e.store.Get(ctx, KeyInstallDate)
	if err == nil {
		t, perr := time.Parse(time.RFC3339Nano, string(raw))
		if perr == nil {
			return t, nil
		}
		e.logger.Warn("unreadable install date, resetting", slog.String("value", string(raw)))
	} else if !kv.IsNotFound(err) {
		return time.Time{}, fmt.Errorf("load install date: %w", err)
	}

	now := e.now().UTC()
	if err := e.store.Set(ctx, KeyInstallDate, []byte(now.Format(time.RFC3339Nano))); err != nil {
		return time.Time{}, fmt.Errorf("save install date: %w", err)
	}
	e.logger.Info("recorded install date", slog.Time("install_date", now))
	return now, nil
}

// Pull fetches workouts since the persisted anchor. The anchor is NOT
// advanced here; call Commit after the batch has been handled.
func (e *Engine) Pull(ctx context.Context) (Batch, error) {
	install, err := e.EnsureInstallDate(ctx)
	if err != nil {
		e.fail(ErrKindStore, err)
		return Batch{}, err
	}

	anchor := ""
	mode := domain.SyncModeIncremental
	raw, err := e.store.Get(ctx, KeyAnchor)
	switch {
	case err == nil:
		anchor = string(raw)
	case kv.IsNotFound(err):
		mode = domain.SyncModeInitial
	default:
		err = fmt.Errorf("load anchor: %w", err)
		e.fail(ErrKindStore, err)
		return Batch{}, err
	}

	records, newAnchor, err := e.source.SamplesSince(ctx, anchor)
	if err != nil {
		telemetry.SyncPulls.WithLabelValues(string(mode), "error").Inc()
		e.fail(classify(err), err)
		return Batch{Mode: mode, NewAnchor: anchor}, fmt.Errorf("pull from %s: %w", e.source.Name(), err)
	}

	b := Batch{Mode: mode, NewAnchor: newAnchor, Fetched: len(records)}
	for _, w := range records {
		if w.End.Before(install) {
			b.PreInstall++
			continue
		}
		b.Workouts = append(b.Workouts, w)
	}
	if b.PreInstall > 0 {
		telemetry.WorkoutsDropped.WithLabelValues("pre_install").Add(float64(b.PreInstall))
	}
	telemetry.SyncPulls.WithLabelValues(string(mode), "ok").Inc()
	telemetry.WorkoutsFetched.Add(float64(len(records)))

	e.succeed(mode)
	e.logger.Info("pulled workouts",
		slog.String("mode", string(mode)),
		slog.Int("fetched", b.Fetched),
		slog.Int("pre_install", b.PreInstall),
	)
	return b, nil
}

// Commit persists the batch's anchor. Replaying a batch whose commit was lost
// is safe: the gate drops everything it already admitted.
func (e *Engine) Commit(ctx context.Context, b Batch) error {
	if err := e.store.Set(ctx, KeyAnchor, []byte(b.NewAnchor)); err != nil {
		return fmt.Errorf("save anchor: %w", err)
	}
	return nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) succeed(mode domain.SyncMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	if e.status.ErrorKind != "" {
		e.logger.Info("health source recovered", slog.String("previous_error", e.status.ErrorKind))
	}
	e.status.LastSuccessAt = &now
	e.status.LastMode = mode
	e.status.ErrorKind = ""
	e.status.LastError = ""
}

// fail records the error state; each distinct kind is logged once.
func (e *Engine) fail(kind string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.ErrorKind != kind {
		e.logger.Error("sync failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Debug("sync still failing", slog.String("kind", kind))
	}
	e.status.ErrorKind = kind
	e.status.LastError = err.Error()
}

func classify(err error) string {
	var (
		unavailable *domain.SourceUnavailableError
		denied      *domain.AuthorizationDeniedError
	)
	switch {
	case errors.As(err, &unavailable):
		return ErrKindSourceUnavailable
	case errors.As(err, &denied):
		return ErrKindAuthorizationDenied
	default:
		return ErrKindTransient
	}
}
