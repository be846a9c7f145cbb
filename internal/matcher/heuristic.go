package matcher

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/sourcing-cli/internal/model"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "for": true, "with": true,
	"of": true, "in": true, "on": true, "to": true, "by": true, "or": true,
	"new": true, "pcs": true, "pc": true, "set": true, "hot": true, "sale": true,
	"free": true, "shipping": true, "high": true, "quality": true,
}

// Tokenize normalizes s into a set of comparable words: accents stripped,
// case folded, split on anything that is not a letter or digit, stopwords
// removed.
func Tokenize(s string) map[string]bool {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	clean, _, err := transform.String(t, s)
	if err != nil {
		clean = s
	}
	clean = cases.Fold().String(clean)

	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(clean, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// Similarity scores how well title matches target on [0,1]:
// 0.7 of the target words covered plus 0.3 of the Jaccard index.
func Similarity(target, title string) float64 {
	tt := Tokenize(target)
	ot := Tokenize(title)
	if len(tt) == 0 || len(ot) == 0 {
		return 0
	}
	shared := 0
	for w := range tt {
		if ot[w] {
			shared++
		}
	}
	union := len(tt) + len(ot) - shared
	coverage := float64(shared) / float64(len(tt))
	jaccard := float64(shared) / float64(union)
	return round4(0.7*coverage + 0.3*jaccard)
}

// Heuristic is the deterministic token-overlap scorer.
type Heuristic struct{}

// NewHeuristic returns the heuristic scorer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Score(_ context.Context, target string, offers []model.ProductOffer) ([]Score, error) {
	out := make([]Score, len(offers))
	tt := len(Tokenize(target))
	for i, o := range offers {
		s := Similarity(target, o.Title)
		out[i] = Score{Index: i, Score: s, Notes: heuristicNote(tt, s)}
	}
	return out, nil
}

func heuristicNote(targetWords int, s float64) string {
	if targetWords == 0 {
		return "heuristic: empty target"
	}
	return fmt.Sprintf("heuristic: title similarity %.2f", s)
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
