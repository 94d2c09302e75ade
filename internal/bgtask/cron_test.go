package bgtask_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-fit-flow/internal/bgtask"
)

const id = "com.fitflow.sync"

func newFacility(t *testing.T, opts ...bgtask.Option) *bgtask.CronFacility {
	t.Helper()
	f := bgtask.NewCronFacility(opts...)
	f.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Stop(ctx)
	})
	return f
}

func TestCronFacility_RunsOnceAfterEarliestBegin(t *testing.T) {
	f := newFacility(t)
	ran := make(chan time.Time, 4)
	require.NoError(t, f.Register(id, func(task bgtask.Task) {
		ran <- time.Now()
		task.Complete(true)
	}))

	begin := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: begin}))
	_, pending := f.Pending(id)
	assert.True(t, pending)

	select {
	case at := <-ran:
		assert.False(t, at.Before(begin))
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	select {
	case <-ran:
		t.Fatal("one-shot request ran twice")
	case <-time.After(200 * time.Millisecond):
	}
	_, pending = f.Pending(id)
	assert.False(t, pending)
}

func TestCronFacility_PendingUnknownIdentifier(t *testing.T) {
	f := newFacility(t)
	req, ok := f.Pending("never.submitted")
	assert.False(t, ok)
	assert.Equal(t, bgtask.Request{}, req)
}

func TestCronFacility_PastBeginRunsImmediately(t *testing.T) {
	f := newFacility(t)
	ran := make(chan struct{}, 1)
	require.NoError(t, f.Register(id, func(task bgtask.Task) {
		ran <- struct{}{}
		task.Complete(true)
	}))

	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: time.Now().Add(-time.Minute)}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestCronFacility_SubmitReplacesPending(t *testing.T) {
	f := newFacility(t)
	var runs atomic.Int32
	require.NoError(t, f.Register(id, func(task bgtask.Task) {
		runs.Add(1)
		task.Complete(true)
	}))

	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: time.Now().Add(time.Hour)}))
	soon := time.Now().Add(30 * time.Millisecond)
	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: soon}))

	req, ok := f.Pending(id)
	require.True(t, ok)
	assert.Equal(t, soon, req.EarliestBegin)

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCronFacility_Cancel(t *testing.T) {
	f := newFacility(t)
	var runs atomic.Int32
	require.NoError(t, f.Register(id, func(task bgtask.Task) { runs.Add(1) }))

	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: time.Now().Add(50 * time.Millisecond)}))
	f.Cancel(id)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, runs.Load())
	_, ok := f.Pending(id)
	assert.False(t, ok)
}

func TestCronFacility_BudgetExpiresContext(t *testing.T) {
	f := newFacility(t, bgtask.WithBudget(50*time.Millisecond))
	expired := make(chan error, 1)
	require.NoError(t, f.Register(id, func(task bgtask.Task) {
		<-task.Context().Done()
		expired <- task.Context().Err()
		task.Complete(false)
	}))

	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: time.Now()}))
	select {
	case err := <-expired:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task context never expired")
	}
}

func TestCronFacility_OfflineDefersNetworkTasks(t *testing.T) {
	offline := bgtask.NetworkProbeFunc(func(context.Context) bool { return false })
	f := newFacility(t, bgtask.WithNetworkProbe(offline))
	var runs atomic.Int32
	require.NoError(t, f.Register(id, func(task bgtask.Task) {
		runs.Add(1)
		task.Complete(true)
	}))

	before := time.Now()
	require.NoError(t, f.Submit(bgtask.Request{Identifier: id, EarliestBegin: before, RequiresNetwork: true}))

	assert.Eventually(t, func() bool {
		req, ok := f.Pending(id)
		return ok && req.EarliestBegin.After(before.Add(50*time.Second))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestCronFacility_RegistrationErrors(t *testing.T) {
	f := newFacility(t)
	assert.Error(t, f.Register("", func(bgtask.Task) {}))
	assert.Error(t, f.Register(id, nil))
	assert.Error(t, f.Submit(bgtask.Request{Identifier: "unknown"}))
}

func TestDialProbe_Unreachable(t *testing.T) {
	p := bgtask.NewDialProbe("127.0.0.1:1", 100*time.Millisecond)
	assert.False(t, p.Online(context.Background()))
}
