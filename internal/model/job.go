package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus represents the lifecycle state of a sourcing job.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusFailed  JobStatus = "FAILED"
)

// jobTransitions lists the allowed moves of the job state machine.
// PENDING -> FAILED covers jobs abandoned before they ever started.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusDone, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

// JobParams holds the landed cost inputs carried by a job.
type JobParams struct {
	Quantity       int              `json:"quantity"`
	WeightKg       decimal.Decimal  `json:"weight_kg"`
	CustomsRatePct decimal.Decimal  `json:"customs_rate_pct"`
	SellPriceLocal *decimal.Decimal `json:"sell_price_local,omitempty"`
	ProviderID     string           `json:"provider_id,omitempty"`
}

// SourcingJob is one multi-platform search for a product.
type SourcingJob struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Query      string     `json:"query"`
	Platforms  []string   `json:"platforms"`
	ProductID  string     `json:"product_id"`
	Params     JobParams  `json:"params"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`
}

// SourcingResult is a single ranked offer attached to a job.
type SourcingResult struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Offer        ProductOffer   `json:"offer"`
	AIMatchScore *float64       `json:"ai_match_score"`
	AINotes      string         `json:"ai_notes,omitempty"`
	Rank         *int           `json:"rank"`
	Cargo        *CargoSnapshot `json:"cargo"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NormalizeQuery lowercases q and collapses whitespace. Jobs with the same
// product id and normalized query are duplicates of each other.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// DedupKey is the idempotency key for a job request.
func DedupKey(productID, query string) string {
	return strings.TrimSpace(productID) + "|" + NormalizeQuery(query)
}
