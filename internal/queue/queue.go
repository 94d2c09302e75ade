// Package queue is the durable write-behind queue between scoring and the
// cloud backend. Items survive restarts, retry with exponential backoff and
// park as failed once their attempt budget is spent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-fit-flow/internal/cloud"
	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
	"github.com/ramiqadoumi/go-fit-flow/pkg/retry"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
)

const (
	ItemPrefix  = "queue:item:"
	KeySeq      = "queue:seq"
	KeyPruned   = "queue:succeeded_pruned"
	MaxWorkers  = 8
	DefaultUser = "local"
)

// Queue is safe for concurrent use, but ProcessAll calls are serialised.
type Queue struct {
	store   kv.Store
	backend cloud.Backend
	logger  *slog.Logger
	now     func() time.Time

	workers      int
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	writeTimeout time.Duration
	userID       string

	enqueueMu sync.Mutex
	runMu     sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l *slog.Logger) Option        { return func(q *Queue) { q.logger = l } }
func WithClock(now func() time.Time) Option   { return func(q *Queue) { q.now = now } }
func WithMaxAttempts(n int) Option            { return func(q *Queue) { q.maxAttempts = n } }
func WithWriteTimeout(d time.Duration) Option { return func(q *Queue) { q.writeTimeout = d } }
func WithUserID(id string) Option             { return func(q *Queue) { q.userID = id } }

// WithBackoff sets the retry delay schedule: base doubled per attempt, capped at max.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) { q.baseDelay, q.maxDelay = base, max }
}

// WithWorkers sets the pool size, clamped to [1, MaxWorkers].
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = min(max(n, 1), MaxWorkers) }
}

// New constructs a Queue persisting items to store and writing to backend.
func New(store kv.Store, backend cloud.Backend, opts ...Option) *Queue {
	q := &Queue{
		store:        store,
		backend:      backend,
		logger:       slog.Default(),
		now:          time.Now,
		workers:      3,
		maxAttempts:  5,
		baseDelay:    30 * time.Second,
		maxDelay:     time.Hour,
		writeTimeout: 15 * time.Second,
		userID:       DefaultUser,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func itemKey(id string) string { return ItemPrefix + id }

// Enqueue creates the item for w. Enqueueing an already-known workout returns
// the existing item unchanged.
func (q *Queue) Enqueue(ctx context.Context, w domain.WorkoutRecord, res xp.Result, notifyEligible bool) (domain.QueueItem, error) {
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	id := ItemID(w.ID)
	if existing, ok, err := q.Get(ctx, id); err != nil {
		return domain.QueueItem{}, err
	} else if ok {
		return existing, nil
	}

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return domain.QueueItem{}, err
	}
	now := q.now().UTC()
	item := domain.QueueItem{
		ID:             id,
		WorkoutID:      w.ID,
		Seq:            seq,
		Payload:        q.payload(w, res, notifyEligible),
		State:          domain.QueueStatePending,
		MaxAttempts:    q.maxAttempts,
		NextAttemptAt:  now,
		NotifyEligible: notifyEligible,
		Completed:      map[domain.WriteStep]bool{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.save(ctx, &item); err != nil {
		return domain.QueueItem{}, err
	}
	q.logger.Debug("enqueued", slog.String("item_id", id), slog.String("workout_id", w.ID))
	return item, nil
}

func (q *Queue) payload(w domain.WorkoutRecord, res xp.Result, notifyEligible bool) domain.WritePayload {
	p := domain.WritePayload{
		Ledger: domain.LedgerEntry{
			ID:           DocumentID("ledger", w.ID),
			UserID:       q.userID,
			WorkoutID:    w.ID,
			ActivityType: w.ActivityType,
			BaseXP:       res.BaseXP,
			FinalXP:      res.FinalXP,
			Multiplier:   res.Factors.CombinedMultiplier,
			Bonuses:      res.BonusNames(),
			EarnedAt:     w.End.UTC(),
		},
		Stats: domain.StatsDelta{
			ID:          DocumentID("stats", w.ID),
			UserID:      q.userID,
			WorkoutID:   w.ID,
			XP:          res.FinalXP,
			Workouts:    1,
			DurationSec: w.DurationSec,
			EnergyKcal:  w.EnergyKcal,
			RecordedAt:  w.End.UTC(),
		},
	}
	if notifyEligible {
		p.Post = &domain.ActivityPost{
			ID:           DocumentID("post", w.ID),
			UserID:       q.userID,
			WorkoutID:    w.ID,
			ActivityType: w.ActivityType,
			DurationMin:  int(math.Round(w.DurationSec / 60)),
			DistanceM:    w.DistanceMeters,
			XP:           res.FinalXP,
			PostedAt:     w.End.UTC(),
		}
	}
	return p
}

func (q *Queue) nextSeq(ctx context.Context) (int64, error) {
	var seq int64
	raw, err := q.store.Get(ctx, KeySeq)
	switch {
	case err == nil:
		seq, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse queue sequence: %w", err)
		}
	case !kv.IsNotFound(err):
		return 0, fmt.Errorf("load queue sequence: %w", err)
	}
	seq++
	if err := q.store.Set(ctx, KeySeq, []byte(strconv.FormatInt(seq, 10))); err != nil {
		return 0, fmt.Errorf("save queue sequence: %w", err)
	}
	return seq, nil
}

// Get returns the item with id.
func (q *Queue) Get(ctx context.Context, id string) (domain.QueueItem, bool, error) {
	var item domain.QueueItem
	found, err := kv.GetJSON(ctx, q.store, itemKey(id), &item)
	if err != nil {
		return domain.QueueItem{}, false, fmt.Errorf("load queue item %s: %w", id, err)
	}
	return item, found, nil
}

// Items lists items in enqueue order. An empty state lists every item.
func (q *Queue) Items(ctx context.Context, state domain.QueueState) ([]domain.QueueItem, error) {
	all, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if state == "" {
		return all, nil
	}
	out := all[:0]
	for _, it := range all {
		if it.State == state {
			out = append(out, it)
		}
	}
	return out, nil
}

// Stats counts items by state. Succeeded includes pruned items.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	all, err := q.load(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	pruned, err := q.pruned(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	st := domain.QueueStats{Succeeded: pruned}
	for _, it := range all {
		switch it.State {
		case domain.QueueStatePending:
			st.Pending++
		case domain.QueueStateInFlight:
			st.InFlight++
		case domain.QueueStateFailed:
			st.Failed++
		case domain.QueueStateSucceeded:
			st.Succeeded++
		}
	}
	telemetry.QueueItems.WithLabelValues("pending").Set(float64(st.Pending))
	telemetry.QueueItems.WithLabelValues("in_flight").Set(float64(st.InFlight))
	telemetry.QueueItems.WithLabelValues("failed").Set(float64(st.Failed))
	telemetry.QueueItems.WithLabelValues("succeeded").Set(float64(st.Succeeded))
	return st, nil
}

// RetryFailed moves every failed item back to pending with a fresh attempt
// budget. Completed sub-writes stay completed.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.Items(ctx, domain.QueueStateFailed)
	if err != nil {
		return 0, err
	}
	now := q.now().UTC()
	for i := range failed {
		it := &failed[i]
		it.State = domain.QueueStatePending
		it.Attempts = 0
		it.NextAttemptAt = now
		if err := q.save(ctx, it); err != nil {
			return i, err
		}
		q.logger.Info("failed item requeued", slog.String("item_id", it.ID), slog.String("workout_id", it.WorkoutID))
	}
	return len(failed), nil
}

// PruneSucceeded deletes succeeded items last updated before olderThan ago.
// They keep counting towards Stats.Succeeded.
func (q *Queue) PruneSucceeded(ctx context.Context, olderThan time.Duration) (int, error) {
	done, err := q.Items(ctx, domain.QueueStateSucceeded)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-olderThan)
	var removed int
	for _, it := range done {
		if !it.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := q.store.Remove(ctx, itemKey(it.ID)); err != nil {
			return removed, fmt.Errorf("remove queue item %s: %w", it.ID, err)
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	pruned, err := q.pruned(ctx)
	if err != nil {
		return removed, err
	}
	if err := q.store.Set(ctx, KeyPruned, []byte(strconv.Itoa(pruned+removed))); err != nil {
		return removed, fmt.Errorf("save pruned count: %w", err)
	}
	return removed, nil
}

func (q *Queue) pruned(ctx context.Context) (int, error) {
	raw, err := q.store.Get(ctx, KeyPruned)
	if err != nil {
		if kv.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("load pruned count: %w", err)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("parse pruned count: %w", err)
	}
	return n, nil
}

func (q *Queue) load(ctx context.Context) ([]domain.QueueItem, error) {
	entries, err := q.store.List(ctx, ItemPrefix)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	items := make([]domain.QueueItem, 0, len(entries))
	for _, e := range entries {
		var it domain.QueueItem
		found, err := kv.GetJSON(ctx, q.store, e.Key, &it)
		if err != nil {
			q.logger.Error("unreadable queue item, skipping",
				slog.String("key", e.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if found {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (q *Queue) save(ctx context.Context, it *domain.QueueItem) error {
	it.UpdatedAt = q.now().UTC()
	if err := kv.SetJSON(ctx, q.store, itemKey(it.ID), it); err != nil {
		return fmt.Errorf("save queue item %s: %w", it.ID, err)
	}
	return nil
}

// ProcessAll recovers items stranded in flight by an earlier crash, then
// attempts every due pending item once. It returns the stats after the drain.
// Cancellation stops dispatching new items; interrupted items go back to
// pending without spending an attempt.
func (q *Queue) ProcessAll(ctx context.Context) (domain.QueueStats, error) {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "queue.process_all")
	defer span.End()

	items, err := q.load(ctx)
	if err != nil {
		span.RecordError(err)
		return domain.QueueStats{}, err
	}

	now := q.now()
	var due []domain.QueueItem
	for i := range items {
		it := &items[i]
		if it.State == domain.QueueStateInFlight {
			q.logger.Warn("recovering in-flight item", slog.String("item_id", it.ID))
			it.State = domain.QueueStatePending
			if err := q.save(ctx, it); err != nil {
				return domain.QueueStats{}, err
			}
		}
		if it.State == domain.QueueStatePending && !it.NextAttemptAt.After(now) {
			due = append(due, *it)
		}
	}
	span.SetAttributes(attribute.Int("queue.due", len(due)))

	jobs := make(chan domain.QueueItem)
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				if err := q.process(ctx, it); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
				}
			}
		}()
	}
dispatch:
	for _, it := range due {
		select {
		case jobs <- it:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	stats, err := q.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return stats, err
	}
	if firstErr != nil {
		span.RecordError(firstErr)
		return stats, firstErr
	}
	return stats, ctx.Err()
}

// process runs the remaining sub-writes of it. The returned error is only
// non-nil when the item's state could not be persisted.
func (q *Queue) process(ctx context.Context, it domain.QueueItem) error {
	if ctx.Err() != nil {
		return nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "queue.process_item")
	defer span.End()
	span.SetAttributes(
		attribute.String("item.id", it.ID),
		attribute.String("workout.id", it.WorkoutID),
		attribute.Int("item.attempts", it.Attempts),
	)
	log := q.logger.With(slog.String("item_id", it.ID), slog.String("workout_id", it.WorkoutID))

	// Persists outlive cancellation so an interrupted item is never left in flight.
	persist := context.WithoutCancel(ctx)

	it.State = domain.QueueStateInFlight
	if it.Completed == nil {
		it.Completed = map[domain.WriteStep]bool{}
	}
	if err := q.save(persist, &it); err != nil {
		return err
	}

	var writeErr error
	for _, step := range it.RemainingSteps() {
		if writeErr = q.write(ctx, step, it.Payload); writeErr != nil {
			writeErr = &domain.WriteFailureError{ItemID: it.ID, Step: step, Err: writeErr}
			break
		}
		it.Completed[step] = true
		if err := q.save(persist, &it); err != nil {
			return err
		}
	}

	switch {
	case writeErr == nil:
		it.State = domain.QueueStateSucceeded
		it.LastError = ""
		telemetry.QueueItemsProcessed.WithLabelValues("succeeded").Inc()
		log.Info("queue item succeeded", slog.Int("attempts", it.Attempts+1))

	case ctx.Err() != nil && (errors.Is(writeErr, context.Canceled) || errors.Is(writeErr, context.DeadlineExceeded)):
		it.State = domain.QueueStatePending
		telemetry.QueueItemsProcessed.WithLabelValues("cancelled").Inc()
		log.Info("queue item interrupted, left pending", slog.String("error", writeErr.Error()))

	default:
		it.Attempts++
		it.LastError = writeErr.Error()
		span.RecordError(writeErr)
		if it.Attempts >= it.MaxAttempts {
			it.State = domain.QueueStateFailed
			span.SetStatus(codes.Error, "attempt budget exhausted")
			telemetry.QueueItemsProcessed.WithLabelValues("failed").Inc()
			log.Error("queue item failed permanently",
				slog.Int("attempts", it.Attempts),
				slog.String("error", writeErr.Error()),
			)
		} else {
			delay := retry.Exponential(q.baseDelay, q.maxDelay, it.Attempts)
			it.State = domain.QueueStatePending
			it.NextAttemptAt = q.now().Add(delay).UTC()
			telemetry.QueueItemsProcessed.WithLabelValues("retry").Inc()
			log.Warn("queue item attempt failed, will retry",
				slog.Int("attempts", it.Attempts),
				slog.Duration("backoff", delay),
				slog.String("error", writeErr.Error()),
			)
		}
	}
	return q.save(persist, &it)
}

func (q *Queue) write(ctx context.Context, step domain.WriteStep, p domain.WritePayload) error {
	ctx, cancel := context.WithTimeout(ctx, q.writeTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		telemetry.QueueWriteDurationSeconds.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
	}()

	switch step {
	case domain.StepLedger:
		return q.backend.PutLedgerEntry(ctx, p.Ledger)
	case domain.StepActivityPost:
		if p.Post == nil {
			return nil
		}
		return q.backend.PutActivityPost(ctx, *p.Post)
	case domain.StepStatsUpdate:
		return q.backend.PutStatsDelta(ctx, p.Stats)
	default:
		return fmt.Errorf("unknown write step %q", step)
	}
}
