// Package pipeline runs one sync-score-enqueue-drain pass at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/ingest"
	"github.com/ramiqadoumi/go-fit-flow/internal/progress"
	"github.com/ramiqadoumi/go-fit-flow/internal/queue"
	"github.com/ramiqadoumi/go-fit-flow/internal/unlock"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
)

// PassResult summarises one pass.
type PassResult struct {
	Mode       domain.SyncMode       `json:"mode,omitempty"`
	Fetched    int                   `json:"fetched"`
	Dropped    int                   `json:"dropped_pre_install"`
	Rejected   int                   `json:"rejected"`
	Duplicates int                   `json:"duplicates"`
	Admitted   int                   `json:"admitted"`
	XPAwarded  int                   `json:"xp_awarded"`
	TotalXP    int                   `json:"total_xp"`
	Level      xp.LevelInfo          `json:"level"`
	Queue      domain.QueueStats     `json:"queue"`
	Unlocks    []domain.UnlockRecord `json:"unlocks,omitempty"`
	LevelUps   []xp.LevelInfo        `json:"level_ups,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	Duration   time.Duration         `json:"duration"`
	Error      string                `json:"error,omitempty"`
}

// Deps are the components a pass drives.
type Deps struct {
	Engine     *ingest.Engine
	Gate       *ingest.Gate
	Calculator *xp.Calculator
	Tracker    *progress.Tracker
	Queue      *queue.Queue
	Unlocks    *unlock.Notifier
}

// Pipeline serialises passes: at most one runs at a time.
type Pipeline struct {
	Deps
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	sem       chan struct{}
	mu        sync.Mutex
	since     time.Time
	last      *PassResult
	callbacks []func(PassResult)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option      { return func(p *Pipeline) { p.logger = l } }
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithRetention sets how long succeeded queue items are kept. Zero disables pruning.
func WithRetention(d time.Duration) Option { return func(p *Pipeline) { p.retention = d } }

func New(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		Deps:      deps,
		retention: 7 * 24 * time.Hour,
		logger:    slog.Default(),
		now:       time.Now,
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnPass registers fn to be called after every pass, in pass order.
func (p *Pipeline) OnPass(fn func(PassResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

// Last returns the most recent pass result.
func (p *Pipeline) Last() (PassResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return PassResult{}, false
	}
	return *p.last, true
}

// Run waits for the single-flight slot (or ctx) and runs a pass.
func (p *Pipeline) Run(ctx context.Context) (PassResult, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return PassResult{}, ctx.Err()
	}
	return p.runHeld(ctx)
}

// TryRun runs a pass unless one is already running, in which case it returns
// *domain.PassInProgressError.
func (p *Pipeline) TryRun(ctx context.Context) (PassResult, error) {
	select {
	case p.sem <- struct{}{}:
	default:
		p.mu.Lock()
		since := p.since
		p.mu.Unlock()
		return PassResult{}, &domain.PassInProgressError{Since: since}
	}
	return p.runHeld(ctx)
}

func (p *Pipeline) runHeld(ctx context.Context) (PassResult, error) {
	defer func() { <-p.sem }()

	start := p.now()
	p.mu.Lock()
	p.since = start
	p.mu.Unlock()

	res, err := p.pass(ctx)
	res.StartedAt = start.UTC()
	res.Duration = p.now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		res.Error = err.Error()
	}
	telemetry.PassDurationSeconds.WithLabelValues(outcome).Observe(res.Duration.Seconds())

	p.mu.Lock()
	p.last = &res
	callbacks := append([]func(PassResult){}, p.callbacks...)
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn(res)
	}
	return res, err
}

func (p *Pipeline) pass(ctx context.Context) (PassResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.pass")
	defer span.End()

	var res PassResult
	ingestErr := p.ingest(ctx, &res)
	if ingestErr != nil {
		span.RecordError(ingestErr)
		p.logger.Warn("ingest step failed, draining queue anyway", slog.String("error", ingestErr.Error()))
	}

	stats, queueErr := p.Queue.ProcessAll(ctx)
	res.Queue = stats
	if queueErr == nil && p.retention > 0 {
		if n, err := p.Queue.PruneSucceeded(ctx, p.retention); err != nil {
			p.logger.Warn("prune succeeded items", slog.String("error", err.Error()))
		} else if n > 0 {
			p.logger.Debug("pruned succeeded items", slog.Int("count", n))
		}
	}

	span.SetAttributes(
		attribute.String("sync.mode", string(res.Mode)),
		attribute.Int("sync.admitted", res.Admitted),
		attribute.Int("xp.awarded", res.XPAwarded),
		attribute.Int("queue.pending", stats.Pending),
		attribute.Int("queue.failed", stats.Failed),
	)

	err := errors.Join(ingestErr, queueErr)
	if err != nil {
		span.SetStatus(codes.Error, "pass incomplete")
		return res, err
	}
	p.logger.Info("pipeline pass complete",
		slog.String("mode", string(res.Mode)),
		slog.Int("admitted", res.Admitted),
		slog.Int("xp_awarded", res.XPAwarded),
		slog.Int("pending", stats.Pending),
		slog.Int("failed", stats.Failed),
	)
	return res, nil
}

// ingest pulls, admits, scores and enqueues, then runs the unlock check and
// commits the anchor. The anchor is left untouched on any error so the batch
// replays; the gate absorbs what was already admitted.
//
// Admitted records are already in the processed set, so scoring and the
// unlock check run to completion even when ctx is cancelled. They only touch
// the local store.
func (p *Pipeline) ingest(ctx context.Context, res *PassResult) error {
	batch, err := p.Engine.Pull(ctx)
	res.Mode = batch.Mode
	if err != nil {
		return err
	}
	res.Fetched = batch.Fetched
	res.Dropped = batch.PreInstall

	before, err := p.Tracker.Totals(ctx)
	if err != nil {
		return err
	}
	res.TotalXP = before.TotalXP
	res.Level = xp.LevelFor(before.TotalXP)

	admitted, admitErr := p.Gate.Admit(ctx, batch.Workouts)
	res.Rejected = admitted.Invalid
	res.Duplicates = admitted.Duplicates

	work := context.WithoutCancel(ctx)
	notifyEligible := batch.Mode.NotifyEligible()
	scoreErr := p.scoreAll(work, admitted.Accepted, notifyEligible, res)

	totals, err := p.Tracker.Totals(work)
	if err != nil {
		return errors.Join(scoreErr, admitErr, err)
	}
	res.TotalXP = totals.TotalXP
	res.XPAwarded = totals.TotalXP - before.TotalXP
	res.Level = xp.LevelFor(totals.TotalXP)

	out, unlockErr := p.Unlocks.Reconcile(work, totals.TotalXP, !notifyEligible)
	res.Unlocks = out.Unlocks
	res.LevelUps = out.LevelUps
	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlock check: %w", unlockErr)
	}

	if err := errors.Join(scoreErr, admitErr, unlockErr); err != nil {
		return err
	}
	return p.Engine.Commit(work, batch)
}

// scoreAll scores records in order. When one fails, it and every record after
// it are released from the processed set so the next pass retries them.
func (p *Pipeline) scoreAll(ctx context.Context, records []domain.WorkoutRecord, notifyEligible bool, res *PassResult) error {
	for i, w := range records {
		if err := p.score(ctx, w, notifyEligible); err != nil {
			ids := make([]string, 0, len(records)-i)
			for _, r := range records[i:] {
				ids = append(ids, r.ID)
			}
			if relErr := p.Gate.Release(ctx, ids); relErr != nil {
				return errors.Join(err, relErr)
			}
			p.logger.Warn("scoring stopped, released unscored workouts",
				slog.String("workout_id", w.ID),
				slog.Int("released", len(ids)),
				slog.String("error", err.Error()),
			)
			return err
		}
		res.Admitted++
	}
	return nil
}

// score enqueues before updating totals so a crash in between can only lose
// local totals, never the cloud write. A replay after such a crash finds the
// item already queued.
func (p *Pipeline) score(ctx context.Context, w domain.WorkoutRecord, notifyEligible bool) error {
	stats, err := p.Tracker.StatsFor(ctx, w)
	if err != nil {
		return err
	}
	result := p.Calculator.Calculate(w, stats)
	if _, err := p.Queue.Enqueue(ctx, w, result, notifyEligible); err != nil {
		return fmt.Errorf("enqueue %s: %w", w.ID, err)
	}
	if _, err := p.Tracker.Apply(ctx, w, result.FinalXP); err != nil {
		return err
	}
	telemetry.XPAwarded.WithLabelValues(w.ActivityType).Add(float64(result.FinalXP))
	p.logger.Debug("workout scored",
		slog.String("workout_id", w.ID),
		slog.Int("base_xp", result.BaseXP),
		slog.Int("final_xp", result.FinalXP),
		slog.Any("bonuses", result.BonusNames()),
	)
	return nil
}
