package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sunbed/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	d1 := policy.NextDelay(1)
	d2 := policy.NextDelay(2)
	d3 := policy.NextDelay(5)

	if d1 != time.Second {
		t.Fatalf("attempt1 expected 1s, got %s", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("attempt2 expected 2s, got %s", d2)
	}
	if d3 != 5*time.Second {
		t.Fatalf("attempt5 expected capped 5s, got %s", d3)
	}
}

func TestRetryPolicy_LockClientDefaults(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 1.5}
	assert.Equal(t, 3, policy.Attempts())
	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 1500*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 1, RetryPolicy{}.Attempts())
	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(0))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}

func TestScheduler_AddValidation(t *testing.T) {
	s := NewScheduler(nil, time.Second, nil)
	noop := func(context.Context) (int, error) { return 0, nil }

	assert.Error(t, s.Add(Job{Name: "", Every: time.Minute, Run: noop}))
	assert.Error(t, s.Add(Job{Name: "x", Every: time.Minute}))
	assert.Error(t, s.Add(Job{Name: "x", Every: 0, Run: noop}))

	require.NoError(t, s.Add(Job{Name: JobBookingOverdue, Every: time.Minute, Run: noop}))
	require.NoError(t, s.Add(Job{Name: JobBookingCleanup, Every: time.Minute, Run: noop}))
	assert.Error(t, s.Add(Job{Name: JobBookingCleanup, Every: time.Minute, Run: noop}))

	assert.Equal(t, []string{JobBookingCleanup, JobBookingOverdue}, s.Names())
}

func TestScheduler_RunOnce(t *testing.T) {
	s := NewScheduler(nil, time.Second, nil)
	var calls int32
	require.NoError(t, s.Add(Job{Name: JobBookingCleanup, Every: time.Minute, Run: func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return 3, nil
	}}))
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: JobAutoRefundOverdue, Every: time.Minute, Run: func(context.Context) (int, error) {
		return 1, boom
	}}))

	n, err := s.RunOnce(context.Background(), JobBookingCleanup)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	n, err = s.RunOnce(context.Background(), JobAutoRefundOverdue)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)

	_, err = s.RunOnce(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_LeaseSkipsConcurrentRun(t *testing.T) {
	state := repository.NewMemorySharedState()
	s := NewScheduler(state, time.Minute, nil)

	var calls int32
	require.NoError(t, s.Add(Job{Name: JobBookingAutocomplete, Every: time.Minute, Run: func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	}}))

	// другой процесс держит аренду
	ok, err := state.SetNX(context.Background(), "sweep:"+JobBookingAutocomplete, "1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RunOnce(context.Background(), JobBookingAutocomplete)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	require.NoError(t, state.Del(context.Background(), "sweep:"+JobBookingAutocomplete))
	_, err = s.RunOnce(context.Background(), JobBookingAutocomplete)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// аренда снята после прогона
	_, held, err := state.Get(context.Background(), "sweep:"+JobBookingAutocomplete)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(nil, time.Second, nil)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: JobBookingOverdue, Every: time.Second, Run: func(context.Context) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	}}))

	s.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
