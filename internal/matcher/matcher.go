// Package matcher scores marketplace offers against a target product and
// ranks them. A primary scorer (usually an LLM) runs under a deadline with
// a deterministic heuristic as fallback, so ranking is always produced.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/metrics"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// Score is one offer's match confidence.
type Score struct {
	Index int
	Score float64
	Notes string
}

// Scorer scores offers against a target title. The returned slice is
// aligned with offers.
type Scorer interface {
	Name() string
	Score(ctx context.Context, target string, offers []model.ProductOffer) ([]Score, error)
}

// Candidate is an offer together with its landed cost, used for ranking.
// Cargo rides along untouched so callers get it back with the rank.
type Candidate struct {
	Offer         model.ProductOffer
	LandedCostUSD *decimal.Decimal
	Cargo         *model.CargoSnapshot
}

// ScoredOffer is a ranked candidate. Rank is nil below the threshold.
type ScoredOffer struct {
	Candidate
	Score float64
	Notes string
	Rank  *int
}

// Outcome describes how scores were produced.
type Outcome struct {
	Scorer   string
	Fallback bool
	Reason   string
	Duration time.Duration
}

// Matcher scores and ranks candidates.
type Matcher struct {
	primary   Scorer
	heuristic *Heuristic
	timeout   time.Duration
	threshold float64
}

// New creates a Matcher. A nil primary uses the heuristic directly.
func New(primary Scorer, timeout time.Duration, threshold float64) *Matcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Matcher{
		primary:   primary,
		heuristic: NewHeuristic(),
		timeout:   timeout,
		threshold: threshold,
	}
}

// Threshold is the minimum score that earns a rank.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match scores every candidate and assigns ranks. It never fails: primary
// scorer errors and timeouts fall back to the heuristic.
func (m *Matcher) Match(ctx context.Context, target string, cands []Candidate) ([]ScoredOffer, Outcome) {
	start := time.Now()
	if len(cands) == 0 {
		return nil, Outcome{Scorer: m.heuristic.Name()}
	}
	offers := make([]model.ProductOffer, len(cands))
	for i, c := range cands {
		offers[i] = c.Offer
	}

	out := Outcome{Scorer: m.heuristic.Name()}
	var scores []Score
	if m.primary != nil {
		s, timedOut, err := m.scorePrimary(ctx, target, offers)
		if err == nil && len(s) != len(offers) {
			err = errors.New("matcher: score count mismatch")
		}
		if err != nil {
			out.Fallback = true
			out.Reason = "error"
			if timedOut || errors.Is(err, context.DeadlineExceeded) {
				out.Reason = "timeout"
			}
			metrics.RecordMatcherFallback(out.Reason)
			zap.L().Warn("matcher: primary scorer failed, using heuristic",
				zap.String("scorer", m.primary.Name()),
				zap.String("reason", out.Reason),
				zap.Error(err),
			)
		} else {
			scores = s
			out.Scorer = m.primary.Name()
		}
	}
	if scores == nil {
		scores, _ = m.heuristic.Score(ctx, target, offers)
	}

	scored := make([]ScoredOffer, len(cands))
	for i, c := range cands {
		scored[i] = ScoredOffer{Candidate: c, Score: clamp(scores[i].Score), Notes: scores[i].Notes}
	}
	out.Duration = time.Since(start)
	return AssignRanks(scored, m.threshold), out
}

type scoreReply struct {
	scores []Score
	err    error
}

// scorePrimary runs the primary scorer under the matcher timeout. A scorer
// that ignores cancellation is abandoned when the deadline passes; its reply
// lands in a buffered channel nobody reads.
func (m *Matcher) scorePrimary(ctx context.Context, target string, offers []model.ProductOffer) ([]Score, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	reply := make(chan scoreReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				reply <- scoreReply{err: fmt.Errorf("matcher: scorer panicked: %v", r)}
			}
		}()
		s, err := m.primary.Score(callCtx, target, offers)
		reply <- scoreReply{scores: s, err: err}
	}()

	select {
	case r := <-reply:
		return r.scores, errors.Is(callCtx.Err(), context.DeadlineExceeded), r.err
	case <-callCtx.Done():
		return nil, errors.Is(callCtx.Err(), context.DeadlineExceeded), callCtx.Err()
	}
}

// AssignRanks sorts offers best first and gives ranks 1..k to those scoring
// at least threshold. Ties on score go to the lower landed cost; offers
// without a cost sort after those with one. Platform code, external id and
// URL settle any remaining tie.
func AssignRanks(offers []ScoredOffer, threshold float64) []ScoredOffer {
	out := make([]ScoredOffer, len(offers))
	copy(out, offers)
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })

	next := 1
	for i := range out {
		if out[i].Score >= threshold {
			r := next
			out[i].Rank = &r
			next++
		} else {
			out[i].Rank = nil
		}
	}
	return out
}

func better(a, b ScoredOffer) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	switch {
	case a.LandedCostUSD != nil && b.LandedCostUSD == nil:
		return true
	case a.LandedCostUSD == nil && b.LandedCostUSD != nil:
		return false
	case a.LandedCostUSD != nil && b.LandedCostUSD != nil:
		if c := a.LandedCostUSD.Cmp(*b.LandedCostUSD); c != 0 {
			return c < 0
		}
	}
	if a.Offer.PlatformCode != b.Offer.PlatformCode {
		return a.Offer.PlatformCode < b.Offer.PlatformCode
	}
	if a.Offer.ExternalID != b.Offer.ExternalID {
		return a.Offer.ExternalID < b.Offer.ExternalID
	}
	return a.Offer.URL < b.Offer.URL
}
