// Package progress owns the user's persisted totals and derives the
// per-workout stats snapshot the XP calculator scores against.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
)

// KeyStats is where Totals are persisted.
const KeyStats = "progress:stats"

const dayLayout = "2006-01-02"

// Totals is the persisted progress document.
type Totals struct {
	TotalXP       int       `json:"total_xp"`
	WorkoutCount  int       `json:"workout_count"`
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	LastDay       string    `json:"last_day,omitempty"`
	WorkoutsToday int       `json:"workouts_today"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Tracker is not safe for concurrent Apply calls; the pipeline serialises them.
type Tracker struct {
	store        kv.Store
	loc          *time.Location
	maxHeartRate int
	now          func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocation sets the timezone days are counted in. Use the same location
// as the calculator.
func WithLocation(loc *time.Location) Option { return func(t *Tracker) { t.loc = loc } }

// WithMaxHeartRate sets the user's max heart rate reported in every snapshot.
func WithMaxHeartRate(bpm int) Option { return func(t *Tracker) { t.maxHeartRate = bpm } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func NewTracker(store kv.Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Totals returns the persisted totals, zero-valued when none exist yet.
func (t *Tracker) Totals(ctx context.Context) (Totals, error) {
	var tot Totals
	if _, err := kv.GetJSON(ctx, t.store, KeyStats, &tot); err != nil {
		return Totals{}, fmt.Errorf("load progress: %w", err)
	}
	return tot, nil
}

// StatsFor derives the snapshot for w without persisting anything.
func (t *Tracker) StatsFor(ctx context.Context, w domain.WorkoutRecord) (domain.UserStats, error) {
	tot, err := t.Totals(ctx)
	if err != nil {
		return domain.UserStats{}, err
	}
	s := t.step(tot, w)
	return domain.UserStats{
		TotalXP:       tot.TotalXP,
		WorkoutCount:  tot.WorkoutCount,
		CurrentStreak: s.streak,
		WorkoutsToday: s.today,
		MaxHeartRate:  t.maxHeartRate,
	}, nil
}

// Apply records w as scored with finalXP and returns the new totals.
func (t *Tracker) Apply(ctx context.Context, w domain.WorkoutRecord, finalXP int) (Totals, error) {
	tot, err := t.Totals(ctx)
	if err != nil {
		return Totals{}, err
	}
	s := t.step(tot, w)

	tot.TotalXP += finalXP
	tot.WorkoutCount++
	if !s.backdated {
		tot.CurrentStreak = s.streak
		tot.LastDay = s.day
		tot.WorkoutsToday = s.today + 1
		if tot.CurrentStreak > tot.LongestStreak {
			tot.LongestStreak = tot.CurrentStreak
		}
	}
	tot.UpdatedAt = t.now().UTC()

	if err := kv.SetJSON(ctx, t.store, KeyStats, tot); err != nil {
		return Totals{}, fmt.Errorf("save progress: %w", err)
	}
	return tot, nil
}

type stepResult struct {
	day       string
	streak    int
	today     int
	backdated bool
}

// step computes the streak and same-day count w would produce on top of tot.
func (t *Tracker) step(tot Totals, w domain.WorkoutRecord) stepResult {
	day := w.Start.In(t.loc)
	key := day.Format(dayLayout)
	if tot.LastDay == "" {
		return stepResult{day: key, streak: 1}
	}

	last, err := time.ParseInLocation(dayLayout, tot.LastDay, t.loc)
	if err != nil {
		return stepResult{day: key, streak: 1}
	}
	cur := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.loc)
	diff := daysBetween(last, cur)

	switch {
	case diff == 0:
		streak := tot.CurrentStreak
		if streak == 0 {
			streak = 1
		}
		return stepResult{day: key, streak: streak, today: tot.WorkoutsToday}
	case diff == 1:
		return stepResult{day: key, streak: tot.CurrentStreak + 1}
	case diff > 1:
		return stepResult{day: key, streak: 1}
	default:
		// Out-of-order sample: no streak and no first-of-day credit.
		return stepResult{day: key, streak: 0, today: 1, backdated: true}
	}
}

// daysBetween counts calendar days, immune to DST-length days.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
