package sourcing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/matcher"
	"github.com/sells-group/sourcing-cli/internal/metrics"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/store"
)

// finalizeTimeout bounds the persistence writes that close out a job.
const finalizeTimeout = 10 * time.Second

// run executes one job from PENDING to a terminal status. It is the only
// writer of the job's results and status after creation.
func (s *Service) run(job model.SourcingJob, adapters []platform.Adapter) {
	log := s.log.With(zap.String("job_id", job.ID))
	start := s.now()
	status := model.JobStatusPending

	defer func() {
		if r := recover(); r != nil {
			log.Error("sourcing: job panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.finish(log, job.ID, status, model.JobStatusFailed, fmt.Sprintf("internal error: %v", r), start)
		}
	}()

	if err := s.transition(job.ID, model.JobStatusPending, model.JobStatusRunning, ""); err != nil {
		if errors.Is(err, store.ErrTransitionConflict) {
			log.Warn("sourcing: job already claimed", zap.Error(err))
			return
		}
		log.Error("sourcing: start job", zap.Error(err))
		s.finish(log, job.ID, model.JobStatusPending, model.JobStatusFailed, "internal error: "+err.Error(), start)
		return
	}
	status = model.JobStatusRunning

	ctx, cancel := context.WithTimeout(s.life, s.opts.JobBudget)
	defer cancel()

	outcomes := s.collect(ctx, job.Query, adapters)
	results := s.price(ctx, log, job, outcomes)

	to, reason := verdict(adapters, outcomes)
	if to == model.JobStatusFailed && s.life.Err() != nil {
		reason = "cancelled: engine shutting down"
	}

	if len(results) > 0 {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(s.life), finalizeTimeout)
		err := s.deps.Store.AppendResults(wctx, job.ID, results)
		wcancel()
		if err != nil {
			log.Error("sourcing: persist results", zap.Error(err))
			to, reason = model.JobStatusFailed, "internal error: persist results: "+err.Error()
		}
	}

	s.finish(log, job.ID, model.JobStatusRunning, to, reason, start)
	status = to
	log.Info("sourcing: job finished",
		zap.String("status", string(to)),
		zap.Int("results", len(results)),
		zap.Duration("duration", s.now().Sub(start)),
	)
}

// collect fans the query out to every adapter and gathers outcomes until
// all have answered or the collection window closes. Late outcomes are
// discarded.
func (s *Service) collect(ctx context.Context, query string, adapters []platform.Adapter) map[string]platform.Result {
	window := s.opts.JobBudget - s.opts.MatchReserve
	cctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ch := make(chan platform.Result, len(adapters))
	g, gctx := errgroup.WithContext(cctx)
	g.SetLimit(len(adapters))
	for _, a := range adapters {
		g.Go(func() error {
			res := a.Search(gctx, query)
			res.Platform = a.Code()
			ch <- res
			return nil
		})
	}

	out := make(map[string]platform.Result, len(adapters))
	for len(out) < len(adapters) {
		select {
		case res := <-ch:
			out[res.Platform] = res
		case <-cctx.Done():
			return out
		}
	}
	return out
}

// price computes landed cost per offer and scores the batch. Cost failures
// leave the offer's cargo empty.
func (s *Service) price(ctx context.Context, log *zap.Logger, job model.SourcingJob, outcomes map[string]platform.Result) []model.SourcingResult {
	var offers []model.ProductOffer
	for _, code := range sortedCodes(outcomes) {
		res := outcomes[code]
		if res.Usable() {
			offers = append(offers, res.Offers...)
		}
	}
	if len(offers) == 0 {
		return nil
	}

	var usdRate decimal.Decimal
	if s.deps.Rates != nil && s.deps.Calculator != nil {
		rate, err := s.deps.Rates.USDRate(ctx)
		if err != nil {
			log.Warn("sourcing: exchange rates unavailable, skipping landed cost", zap.Error(err))
		} else {
			usdRate = rate
		}
	}

	cands := make([]matcher.Candidate, len(offers))
	for i, o := range offers {
		cands[i] = matcher.Candidate{Offer: o}
		if !usdRate.IsPositive() {
			continue
		}
		snap, err := s.deps.Calculator.Calculate(cost.Input{
			ItemCostUSD:    o.PriceUSD,
			Quantity:       job.Params.Quantity,
			WeightKg:       job.Params.WeightKg,
			ProviderID:     job.Params.ProviderID,
			CustomsRatePct: &job.Params.CustomsRatePct,
			USDRate:        usdRate,
			SellPriceLocal: job.Params.SellPriceLocal,
		})
		if err != nil {
			log.Debug("sourcing: landed cost failed", zap.String("platform", o.PlatformCode), zap.Error(err))
			continue
		}
		landed := snap.LandedCostUSD
		cands[i].Cargo = &snap
		cands[i].LandedCostUSD = &landed
	}

	scored, outcome := s.deps.Matcher.Match(ctx, job.Query, cands)
	if outcome.Fallback {
		log.Warn("sourcing: matcher fell back to heuristic", zap.String("reason", outcome.Reason))
	}

	results := make([]model.SourcingResult, len(scored))
	for i, so := range scored {
		score := so.Score
		results[i] = model.SourcingResult{
			JobID:        job.ID,
			Offer:        so.Offer,
			AIMatchScore: &score,
			AINotes:      so.Notes,
			Rank:         so.Rank,
			Cargo:        so.Cargo,
		}
	}
	return results
}

// verdict decides the terminal status from the adapter outcomes.
func verdict(adapters []platform.Adapter, outcomes map[string]platform.Result) (model.JobStatus, string) {
	var reasons []string
	for _, a := range adapters {
		res, ok := outcomes[a.Code()]
		switch {
		case !ok:
			reasons = append(reasons, a.Code()+": "+ReasonBudgetExceeded)
		case res.Usable():
			return model.JobStatusDone, ""
		case res.Skipped:
			reasons = append(reasons, a.Code()+": unavailable")
		case res.Err != nil:
			reasons = append(reasons, fmt.Sprintf("%s: %s", a.Code(), res.Err.Kind))
		}
	}
	if len(outcomes) == 0 {
		return model.JobStatusFailed, ReasonBudgetExceeded
	}
	return model.JobStatusFailed, "all platforms failed: " + strings.Join(reasons, "; ")
}

// finish moves the job to a terminal status and emits the refresh hint.
func (s *Service) finish(log *zap.Logger, id string, from, to model.JobStatus, reason string, start time.Time) {
	if err := s.transition(id, from, to, reason); err != nil {
		log.Error("sourcing: finalize job",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return
	}
	metrics.RecordJob(string(to), s.now().Sub(start))

	nctx, cancel := context.WithTimeout(context.WithoutCancel(s.life), finalizeTimeout)
	defer cancel()
	if err := s.deps.Notifier.Notify(nctx, id, to); err != nil {
		log.Warn("sourcing: refresh hint failed", zap.Error(err))
	}
}

func (s *Service) transition(id string, from, to model.JobStatus, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.life), finalizeTimeout)
	defer cancel()
	return s.deps.Store.TransitionJob(ctx, id, from, to, reason)
}

func sortedCodes(outcomes map[string]platform.Result) []string {
	codes := make([]string, 0, len(outcomes))
	for c := range outcomes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
