package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
)

// ProcessedPrefix namespaces the processed-workout set in the store.
const ProcessedPrefix = "ingest:processed:"

func processedKey(id string) string { return ProcessedPrefix + id }

// Validate rejects workouts whose timing cannot be trusted.
func Validate(w domain.WorkoutRecord, now time.Time) error {
	reason := ""
	switch {
	case strings.TrimSpace(w.ID) == "":
		reason = "missing external identifier"
	case w.DurationSec <= 0:
		reason = fmt.Sprintf("non-positive duration %.0fs", w.DurationSec)
	case w.Duration() > domain.MaxWorkoutDuration:
		reason = fmt.Sprintf("duration %.0fs exceeds 24h", w.DurationSec)
	case !w.Start.Before(w.End):
		reason = "start is not before end"
	case w.End.After(now):
		reason = "ends in the future"
	}
	if reason == "" {
		return nil
	}
	return &domain.InvalidWorkoutError{WorkoutID: w.ID, Reason: reason}
}

// AdmitResult is the outcome of one Admit call.
type AdmitResult struct {
	// Accepted is sorted by end time, then ID.
	Accepted   []domain.WorkoutRecord
	Invalid    int
	Duplicates int
}

// Gate drops invalid and already-processed workouts. It owns the processed
// set and must only be used from the single pipeline flow.
type Gate struct {
	store  kv.Store
	now    func() time.Time
	logger *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

func WithGateClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }
func WithGateLogger(l *slog.Logger) GateOption      { return func(g *Gate) { g.logger = l } }

// NewGate constructs a Gate over store.
func NewGate(store kv.Store, opts ...GateOption) *Gate {
	g := &Gate{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit filters records. Accepted IDs are marked processed before Admit
// returns, so a crash downstream can never let a replayed sample back in.
// On a store error the records marked so far are returned with the error.
func (g *Gate) Admit(ctx context.Context, records []domain.WorkoutRecord) (AdmitResult, error) {
	now := g.now()
	var res AdmitResult
	seen := make(map[string]bool, len(records))

	for _, w := range records {
		if err := Validate(w, now); err != nil {
			res.Invalid++
			telemetry.WorkoutsDropped.WithLabelValues("invalid").Inc()
			g.logger.Info("dropping invalid workout", slog.String("error", err.Error()))
			continue
		}
		if seen[w.ID] {
			res.Duplicates++
			telemetry.WorkoutsDropped.WithLabelValues("duplicate").Inc()
			g.logger.Debug("duplicate workout in batch", slog.String("workout_id", w.ID))
			continue
		}
		seen[w.ID] = true

		done, err := kv.Has(ctx, g.store, processedKey(w.ID))
		if err != nil {
			return sortAccepted(res), fmt.Errorf("check processed %s: %w", w.ID, err)
		}
		if done {
			res.Duplicates++
			telemetry.WorkoutsDropped.WithLabelValues("duplicate").Inc()
			g.logger.Debug("workout already processed", slog.String("workout_id", w.ID))
			continue
		}

		if err := g.store.Set(ctx, processedKey(w.ID), []byte(now.UTC().Format(time.RFC3339))); err != nil {
			return sortAccepted(res), fmt.Errorf("mark processed %s: %w", w.ID, err)
		}
		res.Accepted = append(res.Accepted, w)
	}
	return sortAccepted(res), nil
}

// Release removes ids from the processed set so the next pass admits them
// again. The pipeline calls it for records it could not finish scoring.
func (g *Gate) Release(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := g.store.Remove(ctx, processedKey(id)); err != nil {
			return fmt.Errorf("release processed %s: %w", id, err)
		}
	}
	return nil
}

// IsProcessed reports whether id is in the processed set.
func (g *Gate) IsProcessed(ctx context.Context, id string) (bool, error) {
	return kv.Has(ctx, g.store, processedKey(id))
}

func sortAccepted(res AdmitResult) AdmitResult {
	sort.SliceStable(res.Accepted, func(i, j int) bool {
		a, b := res.Accepted[i], res.Accepted[j]
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.ID < b.ID
	})
	return res
}
