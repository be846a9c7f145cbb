package platform

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// flexString decodes a JSON string or number. Marketplaces are not
// consistent about quoting ids and prices.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) String() string { return strings.TrimSpace(string(f)) }

var numberRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// parsePrice extracts the lowest number from a price string such as
// "US $3.25", "1,299.00" or "$1.20 - $3.50".
func parsePrice(s string) (decimal.Decimal, error) {
	matches := numberRe.FindAllString(s, -1)
	if len(matches) == 0 {
		return decimal.Zero, eris.Errorf("no price in %q", s)
	}
	var lowest decimal.Decimal
	for i, m := range matches {
		d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
		if err != nil {
			return decimal.Zero, eris.Wrapf(err, "parse price %q", s)
		}
		if i == 0 || d.LessThan(lowest) {
			lowest = d
		}
	}
	return lowest, nil
}

// parseRatio converts "97.5%" to 0.975. Values without a percent sign
// greater than 1 are treated as percentages too.
func parseRatio(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	if f > 1 {
		f /= 100
	}
	if f > 1 {
		return 0, false
	}
	return f, true
}

// parseUpperInt returns the largest integer in s, so "7-15" yields 15.
func parseUpperInt(s string) (int, bool) {
	best, found := 0, false
	for _, m := range numberRe.FindAllString(s, -1) {
		n, err := strconv.Atoi(strings.ReplaceAll(strings.SplitN(m, ".", 2)[0], ",", ""))
		if err != nil {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	return best, found
}

// absoluteURL turns protocol-relative links into https URLs.
func absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

func intPtr(n int) *int                         { return &n }
func floatPtr(f float64) *float64               { return &f }
func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
