package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/cloud"
	"github.com/ramiqadoumi/go-fit-flow/internal/ingest"
	"github.com/ramiqadoumi/go-fit-flow/internal/notify"
	"github.com/ramiqadoumi/go-fit-flow/internal/progress"
	"github.com/ramiqadoumi/go-fit-flow/internal/queue"
	"github.com/ramiqadoumi/go-fit-flow/internal/unlock"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/config"
	"github.com/ramiqadoumi/go-fit-flow/services/pipeline"
)

// app is the fully wired pipeline shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store    *localStore
	source   *sourceHandle
	backend  cloud.Backend
	engine   *ingest.Engine
	tracker  *progress.Tracker
	queue    *queue.Queue
	prefs    *notify.Preferences
	notifier *notify.Service
	unlocks  *unlock.Notifier
	pipeline *pipeline.Pipeline

	closers []func() error
}

// newApp opens every dependency named by cfg. On error everything opened so
// far is closed again.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg.StoreDSN, cfg.StoreNamespace, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.source, err = openSource(cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.source.close)

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	a.closers = append(a.closers, func() error { closeBackend(); return nil })

	dispatcher, closeDispatcher, err := openDispatcher(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeDispatcher)

	a.prefs = notify.NewPreferences(a.store)
	a.notifier = notify.NewService(dispatcher, a.prefs,
		notify.WithLocation(loc),
		notify.WithLogger(logger.With(slog.String("component", "notify"))),
	)

	a.engine = ingest.NewEngine(a.source, a.store, ingest.WithLogger(logger.With(slog.String("component", "ingest"))))
	gate := ingest.NewGate(a.store, ingest.WithGateLogger(logger))
	a.tracker = progress.NewTracker(a.store, progress.WithLocation(loc), progress.WithClock(time.Now))
	a.queue = queue.New(a.store, a.backend,
		queue.WithWorkers(cfg.Workers),
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithUserID(cfg.UserID),
		queue.WithLogger(logger.With(slog.String("component", "queue"))),
	)
	a.unlocks = unlock.NewNotifier(a.store, a.notifier, unlock.WithLogger(logger.With(slog.String("component", "unlock"))))

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.Retention > 0 {
		opts = append(opts, pipeline.WithRetention(cfg.Retention))
	}
	a.pipeline = pipeline.New(pipeline.Deps{
		Engine:     a.engine,
		Gate:       gate,
		Calculator: xp.NewCalculator(xp.WithLocation(loc)),
		Tracker:    a.tracker,
		Queue:      a.queue,
		Unlocks:    a.unlocks,
	}, opts...)

	ok = true
	return a, nil
}

// Close drains pending notifications and releases every dependency in
// reverse order of opening.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.notifier != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, a.notifier.Close(drainCtx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
