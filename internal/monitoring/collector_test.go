package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/store"
)

type fakeLister struct {
	jobs    []model.SourcingJob
	err     error
	filters []store.JobFilter
}

func (f *fakeLister) ListJobs(_ context.Context, filter store.JobFilter) ([]model.SourcingJob, error) {
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	if filter.Offset >= len(f.jobs) {
		return nil, nil
	}
	end := min(filter.Offset+filter.Limit, len(f.jobs))
	return f.jobs[filter.Offset:end], nil
}

type stubAdapter struct {
	code  string
	stats platform.Stats
}

func (s stubAdapter) Code() string                                  { return s.code }
func (s stubAdapter) Name() string                                  { return s.code }
func (s stubAdapter) Country() string                               { return "CN" }
func (s stubAdapter) Available() bool                               { return true }
func (s stubAdapter) Search(context.Context, string) platform.Result { return platform.Result{} }
func (s stubAdapter) Stats() platform.Stats                         { return s.stats }

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finishedJob(id string, status model.JobStatus, took time.Duration) model.SourcingJob {
	started := baseTime.Add(-time.Hour)
	finished := started.Add(took)
	return model.SourcingJob{
		ID:         id,
		Status:     status,
		CreatedAt:  started,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
}

func newTestCollector(l JobLister, adapters AdapterSource) *Collector {
	c := NewCollector(l, adapters, 10*time.Minute)
	c.now = func() time.Time { return baseTime }
	return c
}

func TestCollector_Collect(t *testing.T) {
	l := &fakeLister{jobs: []model.SourcingJob{
		finishedJob("a", model.JobStatusDone, 2*time.Second),
		finishedJob("b", model.JobStatusDone, 4*time.Second),
		finishedJob("c", model.JobStatusFailed, 6*time.Second),
		{ID: "d", Status: model.JobStatusPending, CreatedAt: baseTime.Add(-time.Minute)},
		{ID: "e", Status: model.JobStatusRunning, CreatedAt: baseTime.Add(-30 * time.Minute)},
	}}
	reg := platform.NewRegistry(stubAdapter{
		code:  "shopee",
		stats: platform.Stats{Calls: 7, Failures: 5, Circuit: "open", LastError: "upstream 503"},
	})

	snap, err := newTestCollector(l, reg).Collect(context.Background(), 12)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsPending)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.Equal(t, 2, snap.JobsDone)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.InDelta(t, 1.0/3.0, snap.JobFailRate, 0.0001)
	assert.InDelta(t, 4.0, snap.AvgDurationSecs, 0.0001)
	assert.Equal(t, 1, snap.StuckJobs)
	assert.Equal(t, 12, snap.LookbackHours)
	assert.Equal(t, baseTime, snap.CollectedAt)

	require.Len(t, snap.Platforms, 1)
	assert.Equal(t, "shopee", snap.Platforms[0].Code)
	assert.Equal(t, "open", snap.Platforms[0].Circuit)
	assert.Equal(t, int64(5), snap.Platforms[0].Failures)

	require.NotEmpty(t, l.filters)
	require.NotNil(t, l.filters[0].CreatedAfter)
	assert.Equal(t, baseTime.Add(-12*time.Hour), *l.filters[0].CreatedAfter)
}

func TestCollector_Collect_Pages(t *testing.T) {
	var jobs []model.SourcingJob
	for i := range 250 {
		jobs = append(jobs, finishedJob(fmt.Sprintf("job-%d", i), model.JobStatusDone, time.Second))
	}
	l := &fakeLister{jobs: jobs}

	snap, err := newTestCollector(l, nil).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 250, snap.JobsTotal)
	assert.Len(t, l.filters, 3)
	assert.Equal(t, 200, l.filters[2].Offset)
	assert.Empty(t, snap.Platforms)
}

func TestCollector_Collect_DefaultLookback(t *testing.T) {
	snap, err := newTestCollector(&fakeLister{}, nil).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Zero(t, snap.JobFailRate)
	assert.Zero(t, snap.AvgDurationSecs)
}

func TestCollector_Collect_StoreError(t *testing.T) {
	_, err := newTestCollector(&fakeLister{err: errors.New("db down")}, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list jobs")
}

func TestCollector_Collect_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(t.TempDir() + "/jobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	for i, status := range []model.JobStatus{model.JobStatusDone, model.JobStatusFailed} {
		job := &model.SourcingJob{
			ID:        fmt.Sprintf("job-%d", i),
			Status:    model.JobStatusPending,
			Query:     "usb fan",
			Platforms: []string{"aliexpress"},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, st.CreateJob(ctx, job))
		require.NoError(t, st.TransitionJob(ctx, job.ID, model.JobStatusPending, model.JobStatusRunning, ""))
		require.NoError(t, st.TransitionJob(ctx, job.ID, model.JobStatusRunning, status, ""))
	}

	snap, err := NewCollector(st, nil, time.Minute).Collect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsDone)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.InDelta(t, 0.5, snap.JobFailRate, 0.0001)
}
