package matcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/pkg/anthropic"
)

// mockClient implements anthropic.Client for testing.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

type stubScorer struct {
	scores []Score
	err    error
	block  bool
	stuck  chan struct{} // waited on regardless of ctx
}

func (s stubScorer) Name() string { return "stub" }

func (s stubScorer) Score(ctx context.Context, _ string, _ []model.ProductOffer) ([]Score, error) {
	if s.stuck != nil {
		<-s.stuck
		return s.scores, s.err
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.scores, s.err
}

func offer(platform, id, title string) model.ProductOffer {
	return model.ProductOffer{
		PlatformCode: platform,
		PlatformName: platform,
		Title:        title,
		PriceUSD:     decimal.NewFromInt(5),
		ExternalID:   id,
		URL:          "https://" + platform + "/" + id,
	}
}

func cost(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name          string
		target, title string
		want          float64
	}{
		{"identical", "USB-C Hub 7 port", "usb c hub 7 PORT", 1},
		{"accents folded", "Café Crème grinder", "cafe creme GRINDER", 1},
		{"disjoint", "usb hub", "garden hose", 0},
		{"stopwords ignored", "the usb hub", "USB hub with free shipping", 1},
		{"empty target", "", "usb hub", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.target, tt.title), 1e-9)
		})
	}

	// 2 of 3 target words, union of 4: 0.7*2/3 + 0.3*2/4.
	assert.InDelta(t, 0.6167, Similarity("usb hub aluminium", "usb hub plastic"), 1e-4)
}

func TestHeuristic_AlignedScores(t *testing.T) {
	offers := []model.ProductOffer{offer("a", "1", "usb hub"), offer("b", "2", "garden hose")}
	scores, err := NewHeuristic().Score(context.Background(), "usb hub", offers)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, 0, scores[0].Index)
	assert.Equal(t, 1.0, scores[0].Score)
	assert.Equal(t, 0.0, scores[1].Score)
	assert.Contains(t, scores[0].Notes, "heuristic")
}

func TestLLMScorer_ClampsAndFillsMissing(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" && len(req.Messages) == 1 && len(req.System) == 1
	})).Return(textResponse("Here you go:\n"+`[{"index":0,"score":1.7,"notes":"same"},{"index":2,"score":-0.2},{"index":9,"score":0.5}]`), nil)

	offers := []model.ProductOffer{
		offer("a", "1", "usb hub"),
		offer("b", "2", "usb hub aluminium"),
		offer("c", "3", "garden hose"),
	}
	s := NewLLMScorer(mc, "claude-haiku-4-5-20251001", 512)
	scores, err := s.Score(context.Background(), "usb hub", offers)
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Equal(t, 1.0, scores[0].Score)
	assert.Equal(t, "same", scores[0].Notes)
	assert.Equal(t, 0.0, scores[2].Score)
	assert.Equal(t, 1, scores[1].Index)
	assert.Contains(t, scores[1].Notes, "heuristic")
	mc.AssertExpectations(t)
}

func TestLLMScorer_MalformedReply(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot help with that"), nil)

	_, err := NewLLMScorer(mc, "m", 0).Score(context.Background(), "usb hub", []model.ProductOffer{offer("a", "1", "x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON array")
}

func TestLLMScorer_ClientError(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

	_, err := NewLLMScorer(mc, "m", 0).Score(context.Background(), "usb hub", []model.ProductOffer{offer("a", "1", "x")})
	require.Error(t, err)
}

func TestMatch_PrimaryUsed(t *testing.T) {
	m := New(stubScorer{scores: []Score{{Index: 0, Score: 0.2}, {Index: 1, Score: 0.9}}}, time.Second, 0.3)
	cands := []Candidate{
		{Offer: offer("a", "1", "usb hub")},
		{Offer: offer("b", "2", "usb hub")},
	}
	scored, out := m.Match(context.Background(), "usb hub", cands)

	assert.Equal(t, "stub", out.Scorer)
	assert.False(t, out.Fallback)
	require.Len(t, scored, 2)
	assert.Equal(t, "b", scored[0].Offer.PlatformCode)
	require.NotNil(t, scored[0].Rank)
	assert.Equal(t, 1, *scored[0].Rank)
	assert.Nil(t, scored[1].Rank)
}

func TestMatch_FallbackOnError(t *testing.T) {
	m := New(stubScorer{err: errors.New("boom")}, time.Second, 0.3)
	scored, out := m.Match(context.Background(), "usb hub", []Candidate{
		{Offer: offer("a", "1", "usb hub")},
		{Offer: offer("b", "2", "garden hose")},
	})

	assert.True(t, out.Fallback)
	assert.Equal(t, "error", out.Reason)
	assert.Equal(t, "heuristic", out.Scorer)
	require.Len(t, scored, 2)
	require.NotNil(t, scored[0].Rank)
	assert.Equal(t, "a", scored[0].Offer.PlatformCode)
}

func TestMatch_FallbackOnTimeout(t *testing.T) {
	m := New(stubScorer{block: true}, 20*time.Millisecond, 0.3)

	start := time.Now()
	scored, out := m.Match(context.Background(), "usb hub", []Candidate{{Offer: offer("a", "1", "usb hub")}})

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, out.Fallback)
	assert.Equal(t, "timeout", out.Reason)
	require.Len(t, scored, 1)
	require.NotNil(t, scored[0].Rank)
}

func TestMatch_FallbackWhenScorerIgnoresDeadline(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	m := New(stubScorer{stuck: stuck, scores: []Score{{Index: 0, Score: 1}}}, 50*time.Millisecond, 0.3)

	start := time.Now()
	scored, out := m.Match(context.Background(), "usb hub", []Candidate{{Offer: offer("a", "1", "usb hub")}})

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, out.Fallback)
	assert.Equal(t, "timeout", out.Reason)
	assert.Equal(t, "heuristic", out.Scorer)
	require.Len(t, scored, 1)
	require.NotNil(t, scored[0].Rank)
}

func TestMatch_ClampsPrimaryScores(t *testing.T) {
	m := New(stubScorer{scores: []Score{{Index: 0, Score: 1.7}, {Index: 1, Score: -0.4}}}, time.Second, 0.3)
	scored, out := m.Match(context.Background(), "usb hub", []Candidate{
		{Offer: offer("a", "1", "usb hub")},
		{Offer: offer("b", "2", "usb hub")},
	})

	assert.False(t, out.Fallback)
	require.Len(t, scored, 2)
	assert.Equal(t, "a", scored[0].Offer.PlatformCode)
	assert.Equal(t, 1.0, scored[0].Score)
	assert.Equal(t, 0.0, scored[1].Score)
	assert.Nil(t, scored[1].Rank)
}

func TestMatch_WrongScoreCountFallsBack(t *testing.T) {
	m := New(stubScorer{scores: []Score{{Index: 0, Score: 1}}}, time.Second, 0)
	scored, out := m.Match(context.Background(), "usb hub", []Candidate{
		{Offer: offer("a", "1", "usb hub")},
		{Offer: offer("b", "2", "usb hub")},
	})
	assert.True(t, out.Fallback)
	assert.Len(t, scored, 2)
}

func TestMatch_NoCandidates(t *testing.T) {
	scored, _ := New(nil, 0, 0.3).Match(context.Background(), "usb hub", nil)
	assert.Empty(t, scored)
}

func TestAssignRanks_TieBreaks(t *testing.T) {
	in := []ScoredOffer{
		{Candidate: Candidate{Offer: offer("shopee", "9", "x")}, Score: 0.8},
		{Candidate: Candidate{Offer: offer("alibaba", "2", "x"), LandedCostUSD: cost("12.50")}, Score: 0.8},
		{Candidate: Candidate{Offer: offer("aliexpress", "1", "x"), LandedCostUSD: cost("10.00")}, Score: 0.8},
		{Candidate: Candidate{Offer: offer("banggood", "3", "x"), LandedCostUSD: cost("10.00")}, Score: 0.8},
		{Candidate: Candidate{Offer: offer("banggood", "4", "x"), LandedCostUSD: cost("1.00")}, Score: 0.1},
	}
	out := AssignRanks(in, 0.3)

	var order []string
	for _, o := range out {
		order = append(order, o.Offer.PlatformCode+"/"+o.Offer.ExternalID)
	}
	assert.Equal(t, []string{"aliexpress/1", "banggood/3", "alibaba/2", "shopee/9", "banggood/4"}, order)
	for i := 0; i < 4; i++ {
		require.NotNil(t, out[i].Rank)
		assert.Equal(t, i+1, *out[i].Rank)
	}
	assert.Nil(t, out[4].Rank)

	// Input untouched.
	assert.Nil(t, in[0].Rank)
}

func TestAssignRanks_UniqueAndOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 50; iter++ {
		n := 1 + rng.IntN(12)
		in := make([]ScoredOffer, n)
		for i := range in {
			o := offer([]string{"a", "b", "c"}[rng.IntN(3)], decimal.NewFromInt(int64(i)).String(), "x")
			in[i] = ScoredOffer{
				Candidate: Candidate{Offer: o, LandedCostUSD: cost(decimal.NewFromInt(int64(rng.IntN(4))).String())},
				Score:     float64(rng.IntN(5)) / 4,
			}
		}
		a := AssignRanks(in, 0.5)

		shuffled := make([]ScoredOffer, n)
		copy(shuffled, in)
		rng.Shuffle(n, func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		b := AssignRanks(shuffled, 0.5)

		seen := map[int]bool{}
		for i := range a {
			assert.Equal(t, a[i].Offer.ExternalID, b[i].Offer.ExternalID)
			if a[i].Rank != nil {
				assert.False(t, seen[*a[i].Rank], "duplicate rank")
				seen[*a[i].Rank] = true
				assert.GreaterOrEqual(t, a[i].Score, 0.5)
			} else {
				assert.Less(t, a[i].Score, 0.5)
			}
		}
		for r := 1; r <= len(seen); r++ {
			assert.True(t, seen[r], "ranks must be contiguous")
		}
	}
}
