package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/becomeliminal/runeai/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPool(t *testing.T, workers, retain int) *LocalPool {
	t.Helper()
	p, err := NewLocalPool(workers, retain, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestSubmitAndAwait(t *testing.T) {
	p := newPool(t, 2, 10)

	job, err := p.Submit("link:1", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "link:1", job.Subject)
	assert.NotEmpty(t, job.ID)

	done, err := p.Await(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)
	assert.Equal(t, 1, done.Attempts)
	assert.False(t, done.FinishedAt.IsZero())

	got, ok := p.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, done, got)
}

func TestFailedAndPanickingJobs(t *testing.T) {
	p := newPool(t, 1, 10)
	ctx := context.Background()

	failing, err := p.Submit("fail", func(context.Context) error { return errors.New("boom") })
	require.NoError(t, err)
	panicking, err := p.Submit("panic", func(context.Context) error { panic("oops") })
	require.NoError(t, err)

	job, err := p.Await(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "boom", job.Err)

	job, err = p.Await(ctx, panicking.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.Err, "oops")
}

func TestConcurrencyBound(t *testing.T) {
	p := newPool(t, 2, 32)
	var running, peak atomic.Int32
	release := make(chan struct{})

	var ids []string
	for i := 0; i < 6; i++ {
		job, err := p.Submit("work", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	for _, id := range ids {
		job, err := p.Await(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateSucceeded, job.State)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestCancel(t *testing.T) {
	p := newPool(t, 1, 10)
	started := make(chan struct{})

	job, err := p.Submit("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	assert.True(t, p.Cancel(job.ID))
	done, err := p.Await(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, done.State)
	assert.False(t, p.Cancel(job.ID))
}

func TestAwaitUnknownAndTimeout(t *testing.T) {
	p := newPool(t, 1, 10)

	_, err := p.Await(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	release := make(chan struct{})
	job, err := p.Submit("blocked", func(context.Context) error { <-release; return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Await(ctx, job.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRetentionWindow(t *testing.T) {
	p := newPool(t, 1, 2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := p.Submit("n", func(context.Context) error { return nil })
		require.NoError(t, err)
		_, err = p.Await(ctx, job.ID)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	_, ok := p.Get(ids[0])
	assert.False(t, ok)
	_, ok = p.Get(ids[2])
	assert.True(t, ok)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	p, err := NewLocalPool(2, 10, nil)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		_, err := p.Submit("drain", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(4), ran.Load())

	_, err = p.Submit("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDeadlineCancelsJobs(t *testing.T) {
	p, err := NewLocalPool(1, 10, nil)
	require.NoError(t, err)

	job, err := p.Submit("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	got, ok := p.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, got.State)
}
