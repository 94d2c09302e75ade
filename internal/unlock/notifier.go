// Package unlock detects reward and level threshold crossings and notifies
// about each one at most once for the life of the local store.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/internal/notify"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
)

const (
	KeyRecords       = "unlock:records"
	KeyCheckedXP     = "unlock:checked_xp"
	RewardFlagPrefix = "unlock:flag:"
	LevelFlagPrefix  = "level:flag:"
)

// Reward is one static unlock threshold.
type Reward struct {
	ThresholdXP int    `json:"threshold_xp"`
	Name        string `json:"name"`
	Category    string `json:"category"`
}

var rewards = []Reward{
	{100, "Bronze Badge", "badge"},
	{250, "Custom Themes", "feature"},
	{500, "Silver Badge", "badge"},
	{1000, "Workout Insights", "feature"},
	{2500, "Gold Badge", "badge"},
	{5000, "Profile Frames", "cosmetic"},
	{10000, "Platinum Badge", "badge"},
	{25000, "Coach Mode", "feature"},
	{50000, "Diamond Badge", "badge"},
	{100000, "Legend Aura", "cosmetic"},
}

// Rewards returns a copy of the unlock table in ascending order.
func Rewards() []Reward { return append([]Reward(nil), rewards...) }

func rewardFlag(r Reward) string { return RewardFlagPrefix + strconv.Itoa(r.ThresholdXP) + ":" + r.Name }
func levelFlag(level int) string { return LevelFlagPrefix + strconv.Itoa(level) }

// Emitter accepts notifications without blocking. *notify.Service implements it.
type Emitter interface {
	Notify(ctx context.Context, n notify.Notification) notify.Result
}

// Outcome lists what a check newly recorded.
type Outcome struct {
	Unlocks  []domain.UnlockRecord `json:"unlocks,omitempty"`
	LevelUps []xp.LevelInfo        `json:"level_ups,omitempty"`
	// Notified counts notifications handed to the emitter.
	Notified int `json:"notified"`
}

// Notifier must only be driven from the single pipeline flow; the mutex
// protects the record list against concurrent readers.
type Notifier struct {
	store   kv.Store
	emitter Emitter
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(n *Notifier) { n.logger = l } }

func NewNotifier(store kv.Store, emitter Emitter, opts ...Option) *Notifier {
	n := &Notifier{store: store, emitter: emitter, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// CheckForNewUnlocks records and announces every reward and level whose
// threshold lies in (previousXP, currentXP].
func (n *Notifier) CheckForNewUnlocks(ctx context.Context, previousXP, currentXP int) (Outcome, error) {
	return n.check(ctx, previousXP, currentXP, false)
}

// Seed records crossings without notifying, so history imported by the
// initial sync never notifies later.
func (n *Notifier) Seed(ctx context.Context, previousXP, currentXP int) (Outcome, error) {
	return n.check(ctx, previousXP, currentXP, true)
}

// Reconcile checks every threshold between the last checked XP and currentXP,
// then advances the checked mark. Totals saved by a pass that failed before
// its check are picked up by the next Reconcile.
func (n *Notifier) Reconcile(ctx context.Context, currentXP int, silent bool) (Outcome, error) {
	mark, err := n.CheckedXP(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if currentXP <= mark {
		return Outcome{}, nil
	}
	out, err := n.check(ctx, mark, currentXP, silent)
	if err != nil {
		return out, err
	}
	if err := n.store.Set(ctx, KeyCheckedXP, []byte(strconv.Itoa(currentXP))); err != nil {
		return out, fmt.Errorf("save checked xp: %w", err)
	}
	return out, nil
}

// CheckedXP returns the XP total up to which thresholds have been checked.
func (n *Notifier) CheckedXP(ctx context.Context) (int, error) {
	raw, err := n.store.Get(ctx, KeyCheckedXP)
	if err != nil {
		var nf *domain.KeyNotFoundError
		if errors.As(err, &nf) {
			return 0, nil
		}
		return 0, fmt.Errorf("load checked xp: %w", err)
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		n.logger.Warn("unreadable checked xp, rechecking from zero", slog.String("value", string(raw)))
		return 0, nil
	}
	return v, nil
}

func (n *Notifier) check(ctx context.Context, prev, cur int, silent bool) (Outcome, error) {
	var out Outcome
	if cur <= prev {
		return out, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, r := range rewards {
		if r.ThresholdXP <= prev || r.ThresholdXP > cur {
			continue
		}
		fresh, err := n.claim(ctx, rewardFlag(r))
		if err != nil {
			return out, err
		}
		if !fresh {
			continue
		}
		rec := domain.UnlockRecord{
			ThresholdXP: r.ThresholdXP,
			Name:        r.Name,
			Category:    r.Category,
			UnlockedAt:  n.now().UTC(),
			Notified:    !silent,
		}
		if err := n.appendRecord(ctx, rec); err != nil {
			return out, err
		}
		out.Unlocks = append(out.Unlocks, rec)
		telemetry.UnlocksTotal.WithLabelValues("reward", strconv.FormatBool(silent)).Inc()

		if !silent {
			n.emit(ctx, notify.Notification{
				Kind:  notify.KindUnlock,
				Title: "Unlocked: " + r.Name,
				Body:  fmt.Sprintf("You reached %d XP and unlocked %s.", r.ThresholdXP, r.Name),
				Data: map[string]string{
					"threshold_xp": strconv.Itoa(r.ThresholdXP),
					"category":     r.Category,
				},
			}, &out)
		}
	}

	from, to := xp.LevelFor(prev).Level, xp.LevelFor(cur).Level
	for lvl := from + 1; lvl <= to; lvl++ {
		fresh, err := n.claim(ctx, levelFlag(lvl))
		if err != nil {
			return out, err
		}
		if !fresh {
			continue
		}
		l, _ := xp.LevelByNumber(lvl)
		info := xp.LevelFor(l.Threshold)
		out.LevelUps = append(out.LevelUps, info)
		telemetry.UnlocksTotal.WithLabelValues("level", strconv.FormatBool(silent)).Inc()

		if !silent {
			n.emit(ctx, notify.Notification{
				Kind:  notify.KindLevelUp,
				Title: fmt.Sprintf("Level %d: %s", info.Level, info.Title),
				Body:  fmt.Sprintf("You are now level %d. Next level at %d XP.", info.Level, info.NextLevelXP),
				Data:  map[string]string{"level": strconv.Itoa(info.Level)},
			}, &out)
		}
	}
	return out, nil
}

// claim sets the dedup flag for key and reports whether it was unset before.
// The flag is written before any emit so a crash can never notify twice.
func (n *Notifier) claim(ctx context.Context, key string) (bool, error) {
	set, err := kv.Has(ctx, n.store, key)
	if err != nil {
		return false, fmt.Errorf("check flag %s: %w", key, err)
	}
	if set {
		return false, nil
	}
	if err := n.store.Set(ctx, key, []byte(n.now().UTC().Format(time.RFC3339))); err != nil {
		return false, fmt.Errorf("set flag %s: %w", key, err)
	}
	return true, nil
}

func (n *Notifier) emit(ctx context.Context, msg notify.Notification, out *Outcome) {
	res := n.emitter.Notify(ctx, msg)
	if res == notify.ResultQueued {
		out.Notified++
	}
	n.logger.Info("threshold notification", slog.String("title", msg.Title), slog.String("result", string(res)))
}

func (n *Notifier) appendRecord(ctx context.Context, rec domain.UnlockRecord) error {
	var recs []domain.UnlockRecord
	if _, err := kv.GetJSON(ctx, n.store, KeyRecords, &recs); err != nil {
		return fmt.Errorf("load unlock records: %w", err)
	}
	recs = append(recs, rec)
	if err := kv.SetJSON(ctx, n.store, KeyRecords, recs); err != nil {
		return fmt.Errorf("save unlock records: %w", err)
	}
	return nil
}

// Records lists unlock records in the order they were created.
func (n *Notifier) Records(ctx context.Context) ([]domain.UnlockRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var recs []domain.UnlockRecord
	if _, err := kv.GetJSON(ctx, n.store, KeyRecords, &recs); err != nil {
		return nil, fmt.Errorf("load unlock records: %w", err)
	}
	return recs, nil
}
