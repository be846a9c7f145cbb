package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = eris.New("job not found")
	// ErrTransitionConflict is returned when the job was not in the expected
	// status at update time.
	ErrTransitionConflict = eris.New("job status changed concurrently")
	// ErrIllegalTransition is returned for moves the state machine forbids.
	ErrIllegalTransition = eris.New("illegal job status transition")
	// ErrJobNotRunning is returned when appending results to a job that is
	// not RUNNING.
	ErrJobNotRunning = eris.New("job is not running")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status       model.JobStatus `json:"status,omitempty"`
	ProductID    string          `json:"product_id,omitempty"`
	CreatedAfter *time.Time      `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines persistence for sourcing jobs, their results and exchange
// rate snapshots.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.SourcingJob) error
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus, reason string) error
	GetJob(ctx context.Context, id string) (*model.SourcingJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.SourcingJob, error)
	FindActiveJob(ctx context.Context, productID, query string, since time.Time) (*model.SourcingJob, error)
	FailStaleJobs(ctx context.Context, olderThan time.Time, reason string) (int, error)

	// Results
	AppendResults(ctx context.Context, jobID string, results []model.SourcingResult) error
	ListResults(ctx context.Context, jobID string) ([]model.SourcingResult, error)

	// Exchange rates
	SaveRates(ctx context.Context, snap model.CurrencyRateSnapshot) error
	LatestRates(ctx context.Context) (*model.CurrencyRateSnapshot, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

// transitionSet returns the columns to update for a status move.
func transitionSet(to model.JobStatus, reason string, now time.Time) ([]string, []any) {
	cols := []string{"status"}
	args := []any{string(to)}
	if to == model.JobStatusRunning {
		cols = append(cols, "started_at")
		args = append(args, now)
	}
	if to.IsTerminal() {
		cols = append(cols, "finished_at")
		args = append(args, now)
	}
	if reason != "" {
		cols = append(cols, "fail_reason")
		args = append(args, reason)
	}
	return cols, args
}
