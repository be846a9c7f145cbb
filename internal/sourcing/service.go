// Package sourcing orchestrates sourcing jobs: it validates and
// deduplicates requests, fans each job out to the marketplace adapters,
// prices and ranks the offers, and drives the job state machine to a
// terminal status.
package sourcing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/matcher"
	"github.com/sells-group/sourcing-cli/internal/metrics"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/store"
)

const (
	maxTitleLen = 512

	// ReasonAbandoned marks jobs left non-terminal by a previous process.
	ReasonAbandoned = "abandoned: engine restarted"
	// ReasonBudgetExceeded marks jobs where no platform answered in time.
	ReasonBudgetExceeded = "time budget exceeded"
)

// ErrShuttingDown is returned by CreateJob after Shutdown has begun.
var ErrShuttingDown = eris.New("sourcing: service is shutting down")

// RateSource supplies the local currency rate per USD.
type RateSource interface {
	USDRate(ctx context.Context) (decimal.Decimal, error)
}

// Deps are the collaborators a Service orchestrates.
type Deps struct {
	Store      store.Store
	Platforms  *platform.Registry
	Rates      RateSource
	Calculator *cost.Calculator
	Matcher    *matcher.Matcher
	Debouncer  Debouncer
	Notifier   Notifier
}

// Options tunes job execution.
type Options struct {
	JobBudget         time.Duration
	MatchReserve      time.Duration
	DebounceWindow    time.Duration
	OwnerWait         time.Duration
	StaleAfter        time.Duration
	DefaultQuantity   int
	DefaultWeightKg   decimal.Decimal
	DefaultCustomsPct decimal.Decimal
}

func (o *Options) applyDefaults() {
	if o.JobBudget <= 0 {
		o.JobBudget = 60 * time.Second
	}
	if o.MatchReserve <= 0 || o.MatchReserve >= o.JobBudget {
		o.MatchReserve = o.JobBudget / 6
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 120 * time.Second
	}
	if o.OwnerWait <= 0 {
		o.OwnerWait = 2 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.DefaultQuantity <= 0 {
		o.DefaultQuantity = 1
	}
	if !o.DefaultWeightKg.IsPositive() {
		o.DefaultWeightKg = decimal.NewFromInt(1)
	}
}

// CreateJobRequest asks for a new sourcing job. Zero params take the
// configured defaults.
type CreateJobRequest struct {
	ProductID string
	Title     string
	Platforms []string
	Params    model.JobParams
}

// CreateJobResult identifies the job serving a request.
type CreateJobResult struct {
	JobID        string `json:"job_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// JobView is a job with its results.
type JobView struct {
	model.SourcingJob
	Results []model.SourcingResult `json:"results"`
}

// JobPage is one page of jobs, newest first.
type JobPage struct {
	Jobs   []model.SourcingJob `json:"jobs"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// Service owns job creation, execution and reads.
type Service struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time

	life    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// NewService creates a Service. Jobs run on a lifecycle context owned by
// the service and are cancelled only by Shutdown.
func NewService(deps Deps, opts Options) *Service {
	opts.applyDefaults()
	if deps.Debouncer == nil {
		deps.Debouncer = NewMemoryDebouncer()
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(nil, 0, 0.3)
	}
	life, stop := context.WithCancel(context.Background())
	return &Service{
		deps: deps,
		opts: opts,
		log:  zap.L().With(zap.String("component", "sourcing")),
		now:  time.Now,
		life: life,
		stop: stop,
	}
}

// CreateJob validates req, deduplicates it against recent identical
// requests and schedules a new job. It returns without waiting for the
// job to run.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (CreateJobResult, error) {
	job, adapters, err := s.prepare(req)
	if err != nil {
		return CreateJobResult{}, err
	}

	key := model.DedupKey(job.ProductID, job.Query)
	claimed, res, err := s.claim(ctx, key, job.ID)
	if err != nil {
		return CreateJobResult{}, err
	}
	if res != nil {
		metrics.RecordDeduplicated()
		return *res, nil
	}

	// Another instance may own an identical job.
	active, err := s.deps.Store.FindActiveJob(ctx, job.ProductID, job.Query, s.now().Add(-s.opts.DebounceWindow))
	if err != nil {
		s.release(ctx, key, job.ID, claimed)
		return CreateJobResult{}, eris.Wrap(err, "sourcing: find active job")
	}
	if active != nil {
		s.release(ctx, key, job.ID, claimed)
		metrics.RecordDeduplicated()
		return CreateJobResult{JobID: active.ID, Deduplicated: true}, nil
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.release(ctx, key, job.ID, claimed)
		return CreateJobResult{}, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		s.wg.Done()
		s.release(ctx, key, job.ID, claimed)
		return CreateJobResult{}, eris.Wrap(err, "sourcing: create job")
	}

	s.log.Info("sourcing: job created",
		zap.String("job_id", job.ID),
		zap.String("product_id", job.ProductID),
		zap.Strings("platforms", job.Platforms),
	)

	go func() {
		defer s.wg.Done()
		s.run(*job, adapters)
	}()

	return CreateJobResult{JobID: job.ID}, nil
}

// prepare validates req and builds the PENDING job.
func (s *Service) prepare(req CreateJobRequest) (*model.SourcingJob, []platform.Adapter, error) {
	productID := strings.TrimSpace(req.ProductID)
	title := strings.TrimSpace(req.Title)
	switch {
	case productID == "":
		return nil, nil, model.Invalid("product_id", "is required")
	case title == "":
		return nil, nil, model.Invalid("product_title", "is required")
	case utf8.RuneCountInString(title) > maxTitleLen:
		return nil, nil, model.Invalid("product_title", "must be at most 512 characters")
	}

	params, err := s.resolveParams(req.Params)
	if err != nil {
		return nil, nil, err
	}

	adapters, err := s.deps.Platforms.Select(req.Platforms)
	if err != nil {
		return nil, nil, err
	}

	return &model.SourcingJob{
		ID:        uuid.New().String(),
		Status:    model.JobStatusPending,
		Query:     title,
		Platforms: platform.Codes(adapters),
		ProductID: productID,
		Params:    params,
		CreatedAt: s.now().UTC(),
	}, adapters, nil
}

func (s *Service) resolveParams(p model.JobParams) (model.JobParams, error) {
	hundred := decimal.NewFromInt(100)
	switch {
	case p.Quantity < 0:
		return p, model.Invalid("quantity", "must be positive")
	case p.WeightKg.IsNegative():
		return p, model.Invalid("weight_kg", "must not be negative")
	case p.CustomsRatePct.IsNegative() || p.CustomsRatePct.GreaterThan(hundred):
		return p, model.Invalid("customs_rate", "must be between 0 and 100")
	case p.SellPriceLocal != nil && !p.SellPriceLocal.IsPositive():
		return p, model.Invalid("sell_price_local", "must be positive")
	}

	if p.Quantity == 0 {
		p.Quantity = s.opts.DefaultQuantity
	}
	if p.WeightKg.IsZero() {
		p.WeightKg = s.opts.DefaultWeightKg
	}
	if p.CustomsRatePct.IsZero() {
		p.CustomsRatePct = s.opts.DefaultCustomsPct
	}

	if s.deps.Calculator != nil {
		providers := s.deps.Calculator.Providers()
		p.ProviderID = strings.TrimSpace(p.ProviderID)
		if p.ProviderID == "" {
			p.ProviderID = providers.Default().ID
		} else if _, ok := providers.Get(p.ProviderID); !ok {
			return p, model.Invalid("provider_id", "unknown provider "+p.ProviderID)
		}
	}
	return p, nil
}

// ownerPoll is how often a caller rechecks a debounce owner that is not yet
// in the store.
const ownerPoll = 25 * time.Millisecond

// claim binds key to jobID. A non-nil result means an existing job serves
// the request. claimed is false when the debouncer was unreachable.
//
// An owner missing from the store is either still persisting or about to
// release its claim after a failed insert. The caller waits up to OwnerWait
// for one or the other before treating the request as a duplicate.
func (s *Service) claim(ctx context.Context, key, jobID string) (claimed bool, res *CreateJobResult, err error) {
	var wait *time.Timer
	defer func() {
		if wait != nil {
			wait.Stop()
		}
	}()

	for released := 0; released < 2; {
		owner, ok, err := s.deps.Debouncer.Claim(ctx, key, jobID, s.opts.DebounceWindow)
		if err != nil {
			s.log.Warn("sourcing: debouncer unavailable, relying on store lookup", zap.Error(err))
			return false, nil, nil
		}
		if ok {
			return true, nil, nil
		}

		existing, err := s.deps.Store.GetJob(ctx, owner)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			if wait == nil {
				wait = time.NewTimer(s.opts.OwnerWait)
			}
			select {
			case <-wait.C:
				return false, &CreateJobResult{JobID: owner, Deduplicated: true}, nil
			case <-ctx.Done():
				return false, nil, eris.Wrap(ctx.Err(), "sourcing: wait for debounce owner")
			case <-time.After(ownerPoll):
			}
			continue
		case err != nil:
			return false, nil, eris.Wrap(err, "sourcing: load debounce owner")
		case !existing.Status.IsTerminal():
			return false, &CreateJobResult{JobID: owner, Deduplicated: true}, nil
		}

		if err := s.deps.Debouncer.Release(ctx, key, owner); err != nil {
			s.log.Warn("sourcing: release finished job claim", zap.Error(err))
		}
		released++
	}
	return false, nil, nil
}

func (s *Service) release(ctx context.Context, key, jobID string, claimed bool) {
	if !claimed {
		return
	}
	if err := s.deps.Debouncer.Release(ctx, key, jobID); err != nil {
		s.log.Warn("sourcing: release claim", zap.String("job_id", jobID), zap.Error(err))
	}
}

// GetJob returns a job and its results. It never mutates state.
func (s *Service) GetJob(ctx context.Context, id string) (JobView, error) {
	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	results, err := s.deps.Store.ListResults(ctx, id)
	if err != nil {
		return JobView{}, eris.Wrap(err, "sourcing: list results")
	}
	return JobView{SourcingJob: *job, Results: results}, nil
}

// ListJobs returns a page of jobs without results.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) (JobPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return JobPage{}, model.Invalid("status", "unknown status "+string(filter.Status))
	}

	jobs, err := s.deps.Store.ListJobs(ctx, filter)
	if err != nil {
		return JobPage{}, eris.Wrap(err, "sourcing: list jobs")
	}
	if jobs == nil {
		jobs = []model.SourcingJob{}
	}
	return JobPage{Jobs: jobs, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ReapStale fails jobs left PENDING or RUNNING for longer than the stale
// threshold, typically by a crashed process.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	n, err := s.deps.Store.FailStaleJobs(ctx, s.now().Add(-s.opts.StaleAfter), ReasonAbandoned)
	if err != nil {
		return 0, eris.Wrap(err, "sourcing: reap stale jobs")
	}
	if n > 0 {
		s.log.Warn("sourcing: reaped stale jobs", zap.Int("count", n))
		for i := 0; i < n; i++ {
			metrics.RecordJob(string(model.JobStatusFailed), 0)
		}
	}
	return n, nil
}

// Shutdown stops accepting jobs and waits for in-flight jobs until ctx is
// done. Jobs still running then are cancelled and finalize as FAILED.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.log.Warn("sourcing: shutdown deadline reached, cancelling running jobs")
		s.stop()
		<-done
		return eris.Wrap(ctx.Err(), "sourcing: shutdown")
	}
}
