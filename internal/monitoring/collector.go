// Package monitoring summarizes sourcing job health and raises webhook
// alerts when it degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/store"
)

const pageSize = 100

// MetricsSnapshot holds a point-in-time view of job health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal       int     `json:"jobs_total"`
	JobsPending     int     `json:"jobs_pending"`
	JobsRunning     int     `json:"jobs_running"`
	JobsDone        int     `json:"jobs_done"`
	JobsFailed      int     `json:"jobs_failed"`
	JobFailRate     float64 `json:"job_fail_rate"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
	StuckJobs       int     `json:"stuck_jobs"`

	// Adapter health, from in-process counters.
	Platforms []PlatformHealth `json:"platforms"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// PlatformHealth is one adapter's counters.
type PlatformHealth struct {
	Code      string `json:"code"`
	Available bool   `json:"available"`
	Calls     int64  `json:"calls"`
	Failures  int64  `json:"failures"`
	Circuit   string `json:"circuit"`
	LastError string `json:"last_error,omitempty"`
}

// JobLister abstracts the store query the collector needs.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.SourcingJob, error)
}

// AdapterSource lists the adapters whose counters are reported.
type AdapterSource interface {
	All() []platform.Adapter
}

// Collector gathers metrics from the job store and adapters.
type Collector struct {
	jobs       JobLister
	adapters   AdapterSource
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. Jobs non-terminal for
// longer than stuckAfter count as stuck. adapters may be nil.
func NewCollector(jobs JobLister, adapters AdapterSource, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	return &Collector{jobs: jobs, adapters: adapters, stuckAfter: stuckAfter, now: time.Now}
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Platforms:     []PlatformHealth{},
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	var (
		totalDur time.Duration
		timed    int
	)
	for offset := 0; ; offset += pageSize {
		jobs, err := c.jobs.ListJobs(ctx, store.JobFilter{
			CreatedAfter: &cutoff,
			Limit:        pageSize,
			Offset:       offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list jobs")
		}

		for _, j := range jobs {
			snap.JobsTotal++
			switch j.Status {
			case model.JobStatusPending:
				snap.JobsPending++
			case model.JobStatusRunning:
				snap.JobsRunning++
			case model.JobStatusDone:
				snap.JobsDone++
			case model.JobStatusFailed:
				snap.JobsFailed++
			}
			if !j.Status.IsTerminal() && now.Sub(j.CreatedAt) > c.stuckAfter {
				snap.StuckJobs++
			}
			if j.StartedAt != nil && j.FinishedAt != nil {
				totalDur += j.FinishedAt.Sub(*j.StartedAt)
				timed++
			}
		}
		if len(jobs) < pageSize {
			break
		}
	}

	if finished := snap.JobsDone + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if timed > 0 {
		snap.AvgDurationSecs = (totalDur / time.Duration(timed)).Seconds()
	}

	if c.adapters != nil {
		for _, a := range c.adapters.All() {
			st := a.Stats()
			snap.Platforms = append(snap.Platforms, PlatformHealth{
				Code:      a.Code(),
				Available: a.Available(),
				Calls:     st.Calls,
				Failures:  st.Failures,
				Circuit:   st.Circuit,
				LastError: st.LastError,
			})
		}
	}

	return snap, nil
}
