// Package xp scores workouts. Everything here is a pure function of its
// inputs and the Calculator's construction-time configuration.
package xp

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

const (
	// MinBaseXP is the floor applied to every workout's base score.
	MinBaseXP = 5
	// DefaultMaxMultiplier caps the product of all bonus multipliers.
	DefaultMaxMultiplier = 3.0
	// DefaultMaxHeartRate is used when the user's max heart rate is unknown.
	DefaultMaxHeartRate = 190
)

// BonusType identifies one qualifying bonus.
type BonusType string

const (
	BonusEarlyBird     BonusType = "early_bird"
	BonusNightOwl      BonusType = "night_owl"
	BonusWeekend       BonusType = "weekend"
	BonusStreak        BonusType = "streak"
	BonusFirstOfDay    BonusType = "first_of_day"
	BonusMilestone     BonusType = "milestone"
	BonusPerfectWeek   BonusType = "perfect_week"
	BonusHeartRateZone BonusType = "heart_rate_zone"
)

// Bonus is one qualifying multiplier. Order in a list is informational only.
type Bonus struct {
	Type        BonusType `json:"type"`
	Multiplier  float64   `json:"multiplier"`
	Description string    `json:"description"`
}

// Factors explains how a Result was produced.
type Factors struct {
	DurationMinutes    float64 `json:"duration_minutes"`
	TypeMultiplier     float64 `json:"type_multiplier"`
	Bonuses            []Bonus `json:"bonuses"`
	CombinedMultiplier float64 `json:"combined_multiplier"`
	Capped             bool    `json:"capped"`
}

// Result is the score for one workout.
type Result struct {
	BaseXP  int     `json:"base_xp"`
	FinalXP int     `json:"final_xp"`
	Factors Factors `json:"factors"`
}

// BonusNames returns the bonus type tags in evaluation order.
func (r Result) BonusNames() []string {
	out := make([]string, len(r.Factors.Bonuses))
	for i, b := range r.Factors.Bonuses {
		out[i] = string(b.Type)
	}
	return out
}

var typeMultipliers = map[string]float64{
	"run":            1.2,
	"walk":           0.7,
	"cycling":        1.1,
	"swimming":       1.3,
	"hiit":           1.5,
	"strength":       1.2,
	"yoga":           0.8,
	"pilates":        0.8,
	"hiking":         1.0,
	"rowing":         1.3,
	"elliptical":     1.0,
	"dance":          1.0,
	"boxing":         1.4,
	"climbing":       1.3,
	"cross_training": 1.4,
	"stairs":         1.2,
	"tennis":         1.1,
	"basketball":     1.2,
	"soccer":         1.2,
	"cooldown":       0.7,
	"mind_and_body":  0.7,
}

var milestoneCounts = map[int]bool{10: true, 25: true, 50: true, 100: true, 250: true, 500: true, 1000: true}

// TypeMultiplier returns the static multiplier for an activity tag.
// Unknown tags score 1.0.
func TypeMultiplier(activityType string) float64 {
	if m, ok := typeMultipliers[normalizeType(activityType)]; ok {
		return m
	}
	return 1.0
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.NewReplacer("-", "_", " ", "_").Replace(t)
}

// Calculator scores workouts.
type Calculator struct {
	loc           *time.Location
	maxMultiplier float64
	maxHeartRate  int
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLocation sets the zone used for time-of-day and weekday bonuses.
func WithLocation(loc *time.Location) Option { return func(c *Calculator) { c.loc = loc } }

// WithMaxMultiplier overrides the combined multiplier cap.
func WithMaxMultiplier(m float64) Option { return func(c *Calculator) { c.maxMultiplier = m } }

// WithDefaultMaxHeartRate sets the max heart rate used when UserStats has none.
func WithDefaultMaxHeartRate(bpm int) Option { return func(c *Calculator) { c.maxHeartRate = bpm } }

// NewCalculator constructs a Calculator. Defaults: UTC, 3.0× cap, 190 bpm.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		loc:           time.UTC,
		maxMultiplier: DefaultMaxMultiplier,
		maxHeartRate:  DefaultMaxHeartRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	return c
}

// Calculate scores w against stats. It never fails.
//
// Bonuses combine multiplicatively and the product is capped at the
// calculator's max multiplier (3.0× by default).
func (c *Calculator) Calculate(w domain.WorkoutRecord, stats domain.UserStats) Result {
	minutes := w.DurationSec / 60
	if minutes < 0 {
		minutes = 0
	}
	typeMult := TypeMultiplier(w.ActivityType)

	base := int(math.Round(minutes * 1.0 * typeMult))
	if base < MinBaseXP {
		base = MinBaseXP
	}

	bonuses := c.bonuses(w, stats)
	combined := 1.0
	for _, b := range bonuses {
		combined *= b.Multiplier
	}
	capped := false
	if combined > c.maxMultiplier {
		combined = c.maxMultiplier
		capped = true
	}

	return Result{
		BaseXP:  base,
		FinalXP: int(math.Round(float64(base) * combined)),
		Factors: Factors{
			DurationMinutes:    minutes,
			TypeMultiplier:     typeMult,
			Bonuses:            bonuses,
			CombinedMultiplier: combined,
			Capped:             capped,
		},
	}
}

func (c *Calculator) bonuses(w domain.WorkoutRecord, stats domain.UserStats) []Bonus {
	start := w.Start.In(c.loc)
	hour := start.Hour()
	var out []Bonus

	if hour >= 5 && hour < 9 {
		out = append(out, Bonus{BonusEarlyBird, 1.2, "Early bird: started before 9am"})
	}
	if hour >= 21 {
		out = append(out, Bonus{BonusNightOwl, 1.1, "Night owl: started after 9pm"})
	}
	if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
		out = append(out, Bonus{BonusWeekend, 1.15, "Weekend warrior"})
	}
	if stats.CurrentStreak >= 3 {
		m := math.Min(1+0.05*float64(stats.CurrentStreak), 1.5)
		out = append(out, Bonus{BonusStreak, m, fmt.Sprintf("%d-day streak", stats.CurrentStreak)})
	}
	if stats.WorkoutsToday == 0 {
		out = append(out, Bonus{BonusFirstOfDay, 1.1, "First workout of the day"})
	}
	if n := stats.WorkoutCount + 1; milestoneCounts[n] {
		out = append(out, Bonus{BonusMilestone, 2.0, fmt.Sprintf("Workout #%d milestone", n)})
	}
	if stats.CurrentStreak > 0 && stats.CurrentStreak%7 == 0 {
		out = append(out, Bonus{BonusPerfectWeek, 1.5, fmt.Sprintf("Perfect week (%d days)", stats.CurrentStreak)})
	}

	maxHR := stats.MaxHeartRate
	if maxHR <= 0 {
		maxHR = c.maxHeartRate
	}
	if w.AvgHeartRate > 0 && maxHR > 0 {
		pct := w.AvgHeartRate / float64(maxHR) * 100
		m, zone := heartRateZone(pct)
		out = append(out, Bonus{BonusHeartRateZone, m, fmt.Sprintf("%s zone (%.0f%% max HR)", zone, pct)})
	}
	return out
}

func heartRateZone(pct float64) (float64, string) {
	switch {
	case pct < 50:
		return 0.5, "Recovery"
	case pct < 60:
		return 0.8, "Light"
	case pct < 70:
		return 1.0, "Moderate"
	case pct < 85:
		return 1.3, "Vigorous"
	default:
		return 1.5, "Peak"
	}
}
