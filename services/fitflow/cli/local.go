package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/ingest"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/internal/progress"
	"github.com/ramiqadoumi/go-fit-flow/internal/queue"
	"github.com/ramiqadoumi/go-fit-flow/internal/unlock"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/config"
)

// Commands that only inspect or repair local state open the store alone,
// so they work while the cloud backend or source is unreachable.

func openLocal(ctx context.Context, cfg config.Config, logger *slog.Logger) (*localStore, error) {
	return openStore(ctx, cfg.StoreDSN, cfg.StoreNamespace, logger)
}

// localStatus is printed by "fitflow status".
type localStatus struct {
	InstallDate string            `json:"install_date,omitempty"`
	Anchor      string            `json:"anchor,omitempty"`
	Totals      progress.Totals   `json:"totals"`
	Level       xp.LevelInfo      `json:"level"`
	Queue       domain.QueueStats `json:"queue"`
	Unlocks     int               `json:"unlocks"`
	Failed      []failedItemBrief `json:"failed,omitempty"`
}

type failedItemBrief struct {
	ID        string `json:"id"`
	WorkoutID string `json:"workout_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

func readStatus(ctx context.Context, store kv.Store) (localStatus, error) {
	var st localStatus

	if raw, err := store.Get(ctx, ingest.KeyInstallDate); err == nil {
		st.InstallDate = string(raw)
	} else if !kv.IsNotFound(err) {
		return st, fmt.Errorf("install date: %w", err)
	}
	if raw, err := store.Get(ctx, ingest.KeyAnchor); err == nil {
		st.Anchor = string(raw)
	} else if !kv.IsNotFound(err) {
		return st, fmt.Errorf("anchor: %w", err)
	}

	totals, err := progress.NewTracker(store).Totals(ctx)
	if err != nil {
		return st, err
	}
	st.Totals = totals
	st.Level = xp.LevelFor(totals.TotalXP)

	q := queue.New(store, nil)
	stats, err := q.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Queue = stats

	failed, err := q.Items(ctx, domain.QueueStateFailed)
	if err != nil {
		return st, err
	}
	for _, it := range failed {
		st.Failed = append(st.Failed, failedItemBrief{
			ID: it.ID, WorkoutID: it.WorkoutID, Attempts: it.Attempts, LastError: it.LastError,
		})
	}

	recs, err := unlock.NewNotifier(store, nil).Records(ctx)
	if err != nil {
		return st, err
	}
	st.Unlocks = len(recs)
	return st, nil
}

// resetPrefixes lists everything "fitflow reset" removes. The install date
// and notification preferences survive a reset.
var resetPrefixes = []string{
	ingest.KeyAnchor,
	ingest.ProcessedPrefix,
	unlock.RewardFlagPrefix,
	unlock.LevelFlagPrefix,
	unlock.KeyRecords,
	unlock.KeyCheckedXP,
	progress.KeyStats,
	queue.ItemPrefix,
	queue.KeySeq,
	queue.KeyPruned,
}

func resetState(ctx context.Context, store kv.Store) (int, error) {
	total := 0
	for _, p := range resetPrefixes {
		n, err := kv.RemovePrefix(ctx, store, p)
		if err != nil {
			return total, fmt.Errorf("reset %s: %w", p, err)
		}
		total += n
	}
	return total, nil
}

func renderStatus(w io.Writer, st localStatus) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Progress")
	tw.AppendRows([]table.Row{
		{"Total XP", st.Totals.TotalXP},
		{"Level", fmt.Sprintf("%d %s", st.Level.Level, st.Level.Title)},
		{"Next level XP", nextLevel(st.Level)},
		{"Workouts", st.Totals.WorkoutCount},
		{"Current streak", st.Totals.CurrentStreak},
		{"Longest streak", st.Totals.LongestStreak},
		{"Unlocks", st.Unlocks},
		{"Install date", orDash(st.InstallDate)},
		{"Anchor", orDash(st.Anchor)},
	})
	tw.Render()

	qw := table.NewWriter()
	qw.SetOutputMirror(w)
	qw.SetTitle("Retry queue")
	qw.AppendHeader(table.Row{"Pending", "In flight", "Failed", "Succeeded"})
	qw.AppendRow(table.Row{st.Queue.Pending, st.Queue.InFlight, st.Queue.Failed, st.Queue.Succeeded})
	qw.Render()

	if len(st.Failed) == 0 {
		return
	}
	fw := table.NewWriter()
	fw.SetOutputMirror(w)
	fw.SetTitle("Failed items (fitflow retry-failed)")
	fw.AppendHeader(table.Row{"Item", "Workout", "Attempts", "Last error"})
	for _, f := range st.Failed {
		fw.AppendRow(table.Row{f.ID, f.WorkoutID, f.Attempts, f.LastError})
	}
	fw.Render()
}

func nextLevel(l xp.LevelInfo) string {
	if l.MaxLevel {
		return "max"
	}
	return fmt.Sprint(l.NextLevelXP)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
