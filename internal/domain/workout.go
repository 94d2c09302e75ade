package domain

import "time"

// MaxWorkoutDuration is the longest duration a single workout may report.
const MaxWorkoutDuration = 24 * time.Hour

// WorkoutRecord is an immutable snapshot of one completed workout as reported
// by the health data source. ID is the source's stable external identifier.
type WorkoutRecord struct {
	ID             string    `json:"id"`
	ActivityType   string    `json:"activity_type"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	DurationSec    float64   `json:"duration_sec"`
	EnergyKcal     float64   `json:"energy_kcal,omitempty"`
	DistanceMeters float64   `json:"distance_meters,omitempty"`
	AvgHeartRate   float64   `json:"avg_heart_rate,omitempty"`
}

// Duration returns the reported duration as a time.Duration.
func (w WorkoutRecord) Duration() time.Duration {
	return time.Duration(w.DurationSec * float64(time.Second))
}

// SyncMode tells downstream consumers whether a batch came from the first
// catch-up pull or from an anchored incremental pull.
type SyncMode string

const (
	SyncModeInitial     SyncMode = "initial"
	SyncModeIncremental SyncMode = "incremental"
)

// NotifyEligible reports whether results of this mode may produce
// user-visible effects.
func (m SyncMode) NotifyEligible() bool { return m == SyncModeIncremental }

// UserStats is the per-workout snapshot of user progress the XP engine scores
// against. CurrentStreak already includes the day of the workout being scored.
type UserStats struct {
	TotalXP       int `json:"total_xp"`
	WorkoutCount  int `json:"workout_count"`
	CurrentStreak int `json:"current_streak"`
	WorkoutsToday int `json:"workouts_today"`
	MaxHeartRate  int `json:"max_heart_rate,omitempty"`
}

// UnlockRecord is created once per distinct reward threshold crossing.
type UnlockRecord struct {
	ThresholdXP int       `json:"threshold_xp"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	UnlockedAt  time.Time `json:"unlocked_at"`
	Notified    bool      `json:"notified"`
}

// NotificationPreferences are the user's delivery settings.
// Quiet hours span [QuietStartHour, QuietEndHour) and may wrap midnight;
// equal values disable quiet hours.
type NotificationPreferences struct {
	Enabled        bool `json:"enabled"`
	Sound          bool `json:"sound"`
	Badge          bool `json:"badge"`
	QuietStartHour int  `json:"quiet_start_hour"`
	QuietEndHour   int  `json:"quiet_end_hour"`
}

// DefaultNotificationPreferences is used until the user saves their own.
func DefaultNotificationPreferences() NotificationPreferences {
	return NotificationPreferences{
		Enabled:        true,
		Sound:          true,
		Badge:          true,
		QuietStartHour: 22,
		QuietEndHour:   7,
	}
}

// InQuietHours reports whether hour (0-23) falls inside the quiet window.
func (p NotificationPreferences) InQuietHours(hour int) bool {
	start, end := p.QuietStartHour, p.QuietEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
