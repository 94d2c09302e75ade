package ingest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/ingest"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeSource struct {
	records []domain.WorkoutRecord
	anchor  string
	err     error
	calls   []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) SamplesSince(_ context.Context, anchor string) ([]domain.WorkoutRecord, string, error) {
	f.calls = append(f.calls, anchor)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.records, f.anchor, nil
}

type failingStore struct {
	kv.Store
	failSet bool
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func workout(id string, end time.Time, minutes int) domain.WorkoutRecord {
	return domain.WorkoutRecord{
		ID:           id,
		ActivityType: "run",
		Start:        end.Add(-time.Duration(minutes) * time.Minute),
		End:          end,
		DurationSec:  float64(minutes * 60),
	}
}

// ── engine ────────────────────────────────────────────────────────────────────

func TestEngine_FirstPullIsInitial(t *testing.T) {
	store := kv.NewMemoryStore()
	src := &fakeSource{anchor: "3"}
	e := ingest.NewEngine(src, store, ingest.WithClock(clock))

	b, err := e.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncModeInitial, b.Mode)
	assert.Equal(t, []string{""}, src.calls)

	require.NoError(t, e.Commit(context.Background(), b))
	b, err = e.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncModeIncremental, b.Mode)
	assert.Equal(t, "3", src.calls[1])
}

func TestEngine_PullDoesNotAdvanceAnchor(t *testing.T) {
	store := kv.NewMemoryStore()
	src := &fakeSource{anchor: "7"}
	e := ingest.NewEngine(src, store, ingest.WithClock(clock))

	_, err := e.Pull(context.Background())
	require.NoError(t, err)

	ok, err := kv.Has(context.Background(), store, ingest.KeyAnchor)
	require.NoError(t, err)
	assert.False(t, ok, "anchor must only be written by Commit")
}

func TestEngine_DropsRecordsBeforeInstallDate(t *testing.T) {
	store := kv.NewMemoryStore()
	install := now.Add(-24 * time.Hour)
	require.NoError(t, store.Set(context.Background(), ingest.KeyInstallDate, []byte(install.Format(time.RFC3339Nano))))

	src := &fakeSource{records: []domain.WorkoutRecord{
		workout("old", install.Add(-time.Hour), 30),
		workout("new", install.Add(time.Hour), 30),
	}}
	e := ingest.NewEngine(src, store, ingest.WithClock(clock))

	b, err := e.Pull(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Workouts, 1)
	assert.Equal(t, "new", b.Workouts[0].ID)
	assert.Equal(t, 1, b.PreInstall)
	assert.Equal(t, 2, b.Fetched)
}

func TestEngine_DropsPreInstallOnIncrementalPull(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	install := now.Add(-24 * time.Hour)
	require.NoError(t, store.Set(ctx, ingest.KeyInstallDate, []byte(install.Format(time.RFC3339Nano))))
	require.NoError(t, store.Set(ctx, ingest.KeyAnchor, []byte("5")))

	src := &fakeSource{anchor: "7", records: []domain.WorkoutRecord{
		workout("backfilled", install.Add(-72*time.Hour), 45),
		workout("new", now.Add(-time.Hour), 30),
	}}
	e := ingest.NewEngine(src, store, ingest.WithClock(clock))

	b, err := e.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncModeIncremental, b.Mode)
	assert.Equal(t, []string{"5"}, src.calls)
	require.Len(t, b.Workouts, 1)
	assert.Equal(t, "new", b.Workouts[0].ID)
	assert.Equal(t, 1, b.PreInstall)
}

func TestEngine_InstallDateRecordedOnce(t *testing.T) {
	store := kv.NewMemoryStore()
	current := now
	e := ingest.NewEngine(&fakeSource{}, store, ingest.WithClock(func() time.Time { return current }))

	first, err := e.EnsureInstallDate(context.Background())
	require.NoError(t, err)
	current = now.Add(48 * time.Hour)
	second, err := e.EnsureInstallDate(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestEngine_SourceErrorsRecordedInStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"unavailable", &domain.SourceUnavailableError{Source: "fake"}, ingest.ErrKindSourceUnavailable},
		{"denied", &domain.AuthorizationDeniedError{Scope: "workouts"}, ingest.ErrKindAuthorizationDenied},
		{"transient", &domain.TransientQueryError{Source: "fake", Err: errors.New("timeout")}, ingest.ErrKindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := kv.NewMemoryStore()
			src := &fakeSource{err: tt.err}
			e := ingest.NewEngine(src, store, ingest.WithClock(clock))

			_, err := e.Pull(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.kind, e.Status().ErrorKind)

			src.err = nil
			_, err = e.Pull(context.Background())
			require.NoError(t, err)
			st := e.Status()
			assert.Empty(t, st.ErrorKind)
			require.NotNil(t, st.LastSuccessAt)
		})
	}
}

func TestEngine_FailedPullKeepsModeInitial(t *testing.T) {
	store := kv.NewMemoryStore()
	src := &fakeSource{err: &domain.TransientQueryError{Source: "fake"}}
	e := ingest.NewEngine(src, store, ingest.WithClock(clock))

	b, err := e.Pull(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.SyncModeInitial, b.Mode)
	ok, _ := kv.Has(context.Background(), store, ingest.KeyAnchor)
	assert.False(t, ok)
}

// ── gate ──────────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	good := workout("w", now.Add(-time.Hour), 30)

	tests := []struct {
		name   string
		mutate func(w *domain.WorkoutRecord)
		ok     bool
	}{
		{"valid", func(*domain.WorkoutRecord) {}, true},
		{"zero duration", func(w *domain.WorkoutRecord) { w.DurationSec = 0 }, false},
		{"negative duration", func(w *domain.WorkoutRecord) { w.DurationSec = -5 }, false},
		{"exactly 24h", func(w *domain.WorkoutRecord) {
			w.DurationSec = 86400
			w.Start = w.End.Add(-24 * time.Hour)
		}, true},
		{"over 24h", func(w *domain.WorkoutRecord) { w.DurationSec = 86401 }, false},
		{"start equals end", func(w *domain.WorkoutRecord) { w.Start = w.End }, false},
		{"start after end", func(w *domain.WorkoutRecord) { w.Start = w.End.Add(time.Minute) }, false},
		{"ends in future", func(w *domain.WorkoutRecord) {
			w.End = now.Add(time.Minute)
			w.Start = now.Add(-time.Minute)
		}, false},
		{"ends exactly now", func(w *domain.WorkoutRecord) {
			w.End = now
			w.Start = now.Add(-30 * time.Minute)
		}, true},
		{"missing id", func(w *domain.WorkoutRecord) { w.ID = " " }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := good
			tt.mutate(&w)
			err := ingest.Validate(w, now)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var inv *domain.InvalidWorkoutError
			assert.ErrorAs(t, err, &inv)
		})
	}
}

func TestGate_AdmitDropsInvalidAndDuplicates(t *testing.T) {
	store := kv.NewMemoryStore()
	g := ingest.NewGate(store, ingest.WithGateClock(clock))

	bad := workout("bad", now.Add(-time.Hour), 30)
	bad.DurationSec = 0

	res, err := g.Admit(context.Background(), []domain.WorkoutRecord{
		workout("a", now.Add(-2*time.Hour), 30),
		bad,
		workout("a", now.Add(-2*time.Hour), 30),
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, 1, res.Duplicates)

	// replay is fully deduplicated
	res, err = g.Admit(context.Background(), []domain.WorkoutRecord{workout("a", now.Add(-2*time.Hour), 30)})
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Equal(t, 1, res.Duplicates)
}

func TestGate_MarksBeforeReturning(t *testing.T) {
	store := kv.NewMemoryStore()
	g := ingest.NewGate(store, ingest.WithGateClock(clock))

	res, err := g.Admit(context.Background(), []domain.WorkoutRecord{workout("x", now.Add(-time.Hour), 20)})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)

	ok, err := g.IsProcessed(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_ReleaseReadmits(t *testing.T) {
	store := kv.NewMemoryStore()
	g := ingest.NewGate(store, ingest.WithGateClock(clock))
	ctx := context.Background()
	batch := []domain.WorkoutRecord{workout("a", now.Add(-time.Hour), 30)}

	res, err := g.Admit(ctx, batch)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)

	require.NoError(t, g.Release(ctx, []string{"a"}))
	done, err := g.IsProcessed(ctx, "a")
	require.NoError(t, err)
	assert.False(t, done)

	res, err = g.Admit(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 1)
}

func TestGate_SortsByEndThenID(t *testing.T) {
	g := ingest.NewGate(kv.NewMemoryStore(), ingest.WithGateClock(clock))
	t1 := now.Add(-3 * time.Hour)
	t2 := now.Add(-time.Hour)

	res, err := g.Admit(context.Background(), []domain.WorkoutRecord{
		workout("c", t2, 10),
		workout("b", t1, 10),
		workout("a", t1, 10),
	})
	require.NoError(t, err)
	ids := []string{res.Accepted[0].ID, res.Accepted[1].ID, res.Accepted[2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestGate_StoreFailureReturnsError(t *testing.T) {
	store := &failingStore{Store: kv.NewMemoryStore(), failSet: true}
	g := ingest.NewGate(store, ingest.WithGateClock(clock))

	res, err := g.Admit(context.Background(), []domain.WorkoutRecord{workout("x", now.Add(-time.Hour), 20)})
	require.Error(t, err)
	assert.Empty(t, res.Accepted, "unmarked records must not be handed downstream")
}
