package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-fit-flow/internal/cloud"
	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/internal/queue"
	"github.com/ramiqadoumi/go-fit-flow/internal/xp"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// blockingBackend blocks every write until ctx is done.
type blockingBackend struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingBackend) wait(ctx context.Context) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingBackend) PutLedgerEntry(ctx context.Context, _ domain.LedgerEntry) error {
	return b.wait(ctx)
}

func (b *blockingBackend) PutActivityPost(ctx context.Context, _ domain.ActivityPost) error {
	return b.wait(ctx)
}

func (b *blockingBackend) PutStatsDelta(ctx context.Context, _ domain.StatsDelta) error {
	return b.wait(ctx)
}

// concurrencyBackend records the peak number of concurrent writes.
type concurrencyBackend struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (b *concurrencyBackend) track() error {
	n := b.current.Add(1)
	defer b.current.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (b *concurrencyBackend) PutLedgerEntry(context.Context, domain.LedgerEntry) error   { return b.track() }
func (b *concurrencyBackend) PutActivityPost(context.Context, domain.ActivityPost) error { return b.track() }
func (b *concurrencyBackend) PutStatsDelta(context.Context, domain.StatsDelta) error     { return b.track() }

// ── helpers ───────────────────────────────────────────────────────────────────

var errUnavailable = errors.New("503 service unavailable")

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func workout(id string) domain.WorkoutRecord {
	end := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	return domain.WorkoutRecord{
		ID:           id,
		ActivityType: "run",
		Start:        end.Add(-30 * time.Minute),
		End:          end,
		DurationSec:  1800,
	}
}

func result(final int) xp.Result {
	return xp.Result{BaseXP: 36, FinalXP: final, Factors: xp.Factors{CombinedMultiplier: 1.1}}
}

func newQueue(backend cloud.Backend, clock *fakeClock, opts ...queue.Option) (*queue.Queue, kv.Store) {
	store := kv.NewMemoryStore()
	opts = append([]queue.Option{queue.WithClock(clock.Now)}, opts...)
	return queue.New(store, backend, opts...), store
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestEnqueue_ReplayReturnsExistingItem(t *testing.T) {
	q, _ := newQueue(cloud.NewMemoryBackend(), newClock())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, workout("w1"), result(40), true)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, workout("w1"), result(99), true)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 40, second.Payload.Ledger.FinalXP, "replay must not overwrite")
	assert.Equal(t, queue.ItemID("w1"), first.ID)

	items, err := q.Items(ctx, "")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueue_PayloadUsesDeterministicIDs(t *testing.T) {
	q, _ := newQueue(cloud.NewMemoryBackend(), newClock())

	it, err := q.Enqueue(context.Background(), workout("w1"), result(40), true)
	require.NoError(t, err)
	assert.Equal(t, queue.DocumentID("ledger", "w1"), it.Payload.Ledger.ID)
	assert.Equal(t, queue.DocumentID("stats", "w1"), it.Payload.Stats.ID)
	require.NotNil(t, it.Payload.Post)
	assert.Equal(t, queue.DocumentID("post", "w1"), it.Payload.Post.ID)
	assert.Equal(t, 30, it.Payload.Post.DurationMin)
	assert.NotEqual(t, it.Payload.Ledger.ID, it.Payload.Stats.ID)
}

func TestEnqueue_InitialHistorySkipsActivityPost(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	q, _ := newQueue(backend, newClock())
	ctx := context.Background()

	it, err := q.Enqueue(ctx, workout("w1"), result(40), false)
	require.NoError(t, err)
	assert.Nil(t, it.Payload.Post)
	assert.False(t, it.NotifyEligible)

	_, err = q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, backend.ActivityPosts())
	assert.Len(t, backend.LedgerEntries(), 1)
}

func TestProcessAll_Success(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	q, _ := newQueue(backend, newClock())
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		_, err := q.Enqueue(ctx, workout(id), result(10), true)
		require.NoError(t, err)
	}

	stats, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Succeeded: 4}, stats)
	assert.Equal(t, 40, backend.TotalXP())
	assert.Len(t, backend.ActivityPosts(), 4)
}

func TestProcessAll_FailureSchedulesBackoff(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	backend.SetFault(func(domain.WriteStep, string) error { return errUnavailable })
	clock := newClock()
	q, _ := newQueue(backend, clock)
	ctx := context.Background()

	it, err := q.Enqueue(ctx, workout("w1"), result(10), true)
	require.NoError(t, err)

	stats, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	got, _, err := q.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, clock.Now().Add(30*time.Second), got.NextAttemptAt)
	assert.Contains(t, got.LastError, "503")

	// Not due yet: no new attempt.
	_, err = q.ProcessAll(ctx)
	require.NoError(t, err)
	got, _, _ = q.Get(ctx, it.ID)
	assert.Equal(t, 1, got.Attempts)

	clock.Advance(30 * time.Second)
	_, err = q.ProcessAll(ctx)
	require.NoError(t, err)
	got, _, _ = q.Get(ctx, it.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, clock.Now().Add(time.Minute), got.NextAttemptAt, "second backoff doubles")
}

func TestProcessAll_BudgetExhaustedParksAsFailed(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	backend.SetFault(func(domain.WriteStep, string) error { return errUnavailable })
	clock := newClock()
	q, _ := newQueue(backend, clock, queue.WithMaxAttempts(3))
	ctx := context.Background()

	it, err := q.Enqueue(ctx, workout("w1"), result(10), true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = q.ProcessAll(ctx)
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	got, found, err := q.Get(ctx, it.ID)
	require.NoError(t, err)
	require.True(t, found, "failed items are kept")
	assert.Equal(t, domain.QueueStateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)

	// Failed items are never retried automatically.
	before := backend.Writes(domain.StepLedger)
	stats, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, before, backend.Writes(domain.StepLedger))

	backend.SetFault(nil)
	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _, _ = q.Get(ctx, it.ID)
	assert.Equal(t, domain.QueueStatePending, got.State)
	assert.Equal(t, 0, got.Attempts)

	stats, err = q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Succeeded: 1}, stats)
}

func TestProcessAll_CompletedStepsNotRepeated(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	var failPost atomic.Bool
	failPost.Store(true)
	backend.SetFault(func(step domain.WriteStep, _ string) error {
		if step == domain.StepActivityPost && failPost.Load() {
			return errUnavailable
		}
		return nil
	})
	clock := newClock()
	q, _ := newQueue(backend, clock)
	ctx := context.Background()

	it, err := q.Enqueue(ctx, workout("w1"), result(10), true)
	require.NoError(t, err)

	_, err = q.ProcessAll(ctx)
	require.NoError(t, err)
	got, _, _ := q.Get(ctx, it.ID)
	assert.True(t, got.Completed[domain.StepLedger])
	assert.False(t, got.Completed[domain.StepActivityPost])
	assert.Equal(t, []domain.WriteStep{domain.StepActivityPost, domain.StepStatsUpdate}, got.RemainingSteps())

	failPost.Store(false)
	clock.Advance(time.Minute)
	stats, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, backend.Writes(domain.StepLedger), "ledger written exactly once")
	assert.Equal(t, 2, backend.Writes(domain.StepActivityPost))
	assert.Equal(t, 1, backend.Writes(domain.StepStatsUpdate))
}

func TestProcessAll_RecoversInFlightItems(t *testing.T) {
	backend := cloud.NewMemoryBackend()
	q, store := newQueue(backend, newClock())
	ctx := context.Background()

	it, err := q.Enqueue(ctx, workout("w1"), result(10), true)
	require.NoError(t, err)

	// Simulate a crash mid-write.
	it.State = domain.QueueStateInFlight
	require.NoError(t, kv.SetJSON(ctx, store, queue.ItemPrefix+it.ID, it))

	stats, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Succeeded: 1}, stats)
}

func TestProcessAll_CancellationRevertsWithoutSpendingAttempt(t *testing.T) {
	backend := &blockingBackend{started: make(chan struct{})}
	q, _ := newQueue(backend, newClock())

	it, err := q.Enqueue(context.Background(), workout("w1"), result(10), true)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-backend.started
		cancel()
	}()

	_, err = q.ProcessAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, _, err := q.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatePending, got.State)
	assert.Equal(t, 0, got.Attempts)
}

func TestProcessAll_WorkerPoolIsBounded(t *testing.T) {
	backend := &concurrencyBackend{}
	q, _ := newQueue(backend, newClock(), queue.WithWorkers(2))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, workout(string(rune('a'+i))), result(1), false)
		require.NoError(t, err)
	}
	stats, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Succeeded)
	assert.LessOrEqual(t, backend.peak.Load(), int32(2))
}

func TestPruneSucceeded_KeepsCount(t *testing.T) {
	clock := newClock()
	q, _ := newQueue(cloud.NewMemoryBackend(), clock)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		_, err := q.Enqueue(ctx, workout(id), result(1), true)
		require.NoError(t, err)
	}
	_, err := q.ProcessAll(ctx)
	require.NoError(t, err)

	n, err := q.PruneSucceeded(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "items inside retention stay")

	clock.Advance(48 * time.Hour)
	n, err = q.PruneSucceeded(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := q.Items(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, items)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)
}

func TestItems_PreserveEnqueueOrder(t *testing.T) {
	q, _ := newQueue(cloud.NewMemoryBackend(), newClock())
	ctx := context.Background()

	ids := []string{"zeta", "alpha", "mid"}
	for _, id := range ids {
		_, err := q.Enqueue(ctx, workout(id), result(1), true)
		require.NoError(t, err)
	}
	items, err := q.Items(ctx, domain.QueueStatePending)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, id := range ids {
		assert.Equal(t, id, items[i].WorkoutID)
	}
}

func BenchmarkEnqueue(b *testing.B) {
	q, _ := newQueue(cloud.NewMemoryBackend(), newClock())
	ctx := context.Background()
	res := result(10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = q.Enqueue(ctx, workout(time.Duration(i).String()), res, true)
	}
}
