package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Add_InvalidSpec(t *testing.T) {
	s := New(context.Background(), time.Second)
	err := s.Add("bad", "not a spec", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler: add bad")
}

func TestScheduler_RunsTask(t *testing.T) {
	s := New(context.Background(), time.Second)
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(context.Background(), 50*time.Millisecond)

	var deadline bool
	s.RunNow("once", func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return errors.New("logged, not returned")
	})
	assert.True(t, deadline)
}

func TestScheduler_SkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(ctx, time.Second)

	called := false
	s.RunNow("late", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
}

func TestScheduler_StopDeadline(t *testing.T) {
	s := New(context.Background(), time.Second)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
