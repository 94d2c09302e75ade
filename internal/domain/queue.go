package domain

import "time"

// QueueState represents the states a queue item can be in.
type QueueState string

const (
	QueueStatePending   QueueState = "PENDING"
	QueueStateInFlight  QueueState = "IN_FLIGHT"
	QueueStateSucceeded QueueState = "SUCCEEDED"
	QueueStateFailed    QueueState = "FAILED"
)

// IsTerminal returns true if no further automatic transitions are possible.
func (s QueueState) IsTerminal() bool {
	return s == QueueStateSucceeded || s == QueueStateFailed
}

// WriteStep names one idempotent cloud write bundled in a queue item.
type WriteStep string

const (
	StepLedger       WriteStep = "ledger"
	StepActivityPost WriteStep = "activity_post"
	StepStatsUpdate  WriteStep = "stats_update"
)

// LedgerEntry is the XP ledger document written for one workout.
type LedgerEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	WorkoutID    string    `json:"workout_id"`
	ActivityType string    `json:"activity_type"`
	BaseXP       int       `json:"base_xp"`
	FinalXP      int       `json:"final_xp"`
	Multiplier   float64   `json:"multiplier"`
	Bonuses      []string  `json:"bonuses,omitempty"`
	EarnedAt     time.Time `json:"earned_at"`
}

// ActivityPost is the social feed document announcing a workout.
type ActivityPost struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	WorkoutID    string    `json:"workout_id"`
	ActivityType string    `json:"activity_type"`
	DurationMin  int       `json:"duration_min"`
	DistanceM    float64   `json:"distance_m,omitempty"`
	XP           int       `json:"xp"`
	PostedAt     time.Time `json:"posted_at"`
}

// StatsDelta is the per-workout contribution to the user's cloud totals.
// Keyed by workout so replays overwrite instead of double counting.
type StatsDelta struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	WorkoutID   string    `json:"workout_id"`
	XP          int       `json:"xp"`
	Workouts    int       `json:"workouts"`
	DurationSec float64   `json:"duration_sec"`
	EnergyKcal  float64   `json:"energy_kcal"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// WritePayload bundles every write derived from one workout.
// Post is nil when the workout must not appear in the feed.
type WritePayload struct {
	Ledger LedgerEntry   `json:"ledger"`
	Post   *ActivityPost `json:"post,omitempty"`
	Stats  StatsDelta    `json:"stats"`
}

// Steps returns the write steps this payload requires, in execution order.
func (p WritePayload) Steps() []WriteStep {
	steps := []WriteStep{StepLedger}
	if p.Post != nil {
		steps = append(steps, StepActivityPost)
	}
	return append(steps, StepStatsUpdate)
}

// QueueItem is one durable write-behind job. Seq orders items by enqueue
// time independent of clock resolution.
type QueueItem struct {
	ID             string             `json:"id"`
	WorkoutID      string             `json:"workout_id"`
	Seq            int64              `json:"seq"`
	Payload        WritePayload       `json:"payload"`
	State          QueueState         `json:"state"`
	Attempts       int                `json:"attempts"`
	MaxAttempts    int                `json:"max_attempts"`
	NextAttemptAt  time.Time          `json:"next_attempt_at"`
	NotifyEligible bool               `json:"notify_eligible"`
	Completed      map[WriteStep]bool `json:"completed,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// RemainingSteps lists the steps that have not succeeded yet.
func (q *QueueItem) RemainingSteps() []WriteStep {
	var out []WriteStep
	for _, s := range q.Payload.Steps() {
		if !q.Completed[s] {
			out = append(out, s)
		}
	}
	return out
}

// QueueStats summarises the queue backlog.
type QueueStats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Failed    int `json:"failed"`
	Succeeded int `json:"succeeded"`
}

// HasBacklog reports whether work is pending or parked as failed.
func (s QueueStats) HasBacklog() bool { return s.Pending > 0 || s.Failed > 0 }
