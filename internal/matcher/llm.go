package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/pkg/anthropic"
)

const systemPrompt = `You compare marketplace listings with a target product.
For each numbered listing decide how likely it is the same product as the target.
Reply with only a JSON array, one element per listing:
[{"index": <listing number>, "score": <0.0 to 1.0>, "notes": "<one short reason>"}]
1.0 means certainly the same product, 0.0 means unrelated. Accessories, spare
parts and bundles of a different product score low.`

// LLMScorer scores offers with a Claude model.
type LLMScorer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	fill      *Heuristic
}

// NewLLMScorer creates a scorer using client.
func NewLLMScorer(client anthropic.Client, model string, maxTokens int64) *LLMScorer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMScorer{client: client, model: model, maxTokens: maxTokens, fill: NewHeuristic()}
}

func (s *LLMScorer) Name() string { return "llm" }

// Score asks the model for one score per offer. Offers the model skipped
// get heuristic scores; an unparseable reply is an error.
func (s *LLMScorer) Score(ctx context.Context, target string, offers []model.ProductOffer) ([]Score, error) {
	temp := 0.0
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System: []anthropic.SystemBlock{{
			Text:         systemPrompt,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages:    []anthropic.Message{{Role: "user", Content: buildPrompt(target, offers)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "matcher: llm score")
	}
	resp.Usage.LogCost(s.model, "match")

	parsed, err := parseReply(resp.Text())
	if err != nil {
		return nil, err
	}

	out := make([]Score, len(offers))
	got := make([]bool, len(offers))
	for _, p := range parsed {
		if p.Index < 0 || p.Index >= len(offers) || got[p.Index] {
			continue
		}
		out[p.Index] = Score{Index: p.Index, Score: clamp(p.Score), Notes: strings.TrimSpace(p.Notes)}
		got[p.Index] = true
	}

	var missing []model.ProductOffer
	var missingIdx []int
	for i, ok := range got {
		if !ok {
			missing = append(missing, offers[i])
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) > 0 {
		filled, _ := s.fill.Score(ctx, target, missing)
		for j, f := range filled {
			i := missingIdx[j]
			out[i] = Score{Index: i, Score: f.Score, Notes: f.Notes}
		}
	}
	return out, nil
}

type replyItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
	Notes string  `json:"notes"`
}

func parseReply(text string) ([]replyItem, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, eris.Errorf("matcher: reply has no JSON array: %.80q", text)
	}
	var items []replyItem
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, eris.Wrap(err, "matcher: decode reply")
	}
	return items, nil
}

func buildPrompt(target string, offers []model.ProductOffer) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target product: %s\n\nListings:\n", strings.TrimSpace(target))
	for i, o := range offers {
		fmt.Fprintf(&sb, "%d. %s | %s USD | %s\n", i, strings.TrimSpace(o.Title), o.PriceUSD.StringFixed(2), o.PlatformName)
	}
	return sb.String()
}

func clamp(f float64) float64 {
	switch {
	case f < 0 || math.IsNaN(f):
		return 0
	case f > 1:
		return 1
	}
	return round4(f)
}
