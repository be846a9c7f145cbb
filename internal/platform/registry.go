package platform

import (
	"sort"
	"strings"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// NewAdapters builds every known adapter from config.
func NewAdapters(cfg config.PlatformsConfig, conv Converter, opts ...Option) []Adapter {
	return []Adapter{
		NewAliExpress(cfg.AliExpress, conv, opts...),
		NewAlibaba(cfg.Alibaba, conv, opts...),
		NewBanggood(cfg.Banggood, conv, opts...),
		NewShopee(cfg.Shopee, conv, opts...),
	}
}

// Registry indexes adapters by code.
type Registry struct {
	adapters []Adapter
	byCode   map[string]Adapter
}

// NewRegistry creates a registry. Later adapters with a duplicate code
// replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byCode: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.byCode[a.Code()]; !dup {
			r.adapters = append(r.adapters, a)
		} else {
			for i := range r.adapters {
				if r.adapters[i].Code() == a.Code() {
					r.adapters[i] = a
				}
			}
		}
		r.byCode[a.Code()] = a
	}
	return r
}

// All returns every adapter in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Available returns the adapters that can currently be called.
func (r *Registry) Available() []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.Available() {
			out = append(out, a)
		}
	}
	return out
}

// Get looks up an adapter by code.
func (r *Registry) Get(code string) (Adapter, bool) {
	a, ok := r.byCode[strings.ToLower(strings.TrimSpace(code))]
	return a, ok
}

// Select resolves requested platform codes. An empty request selects every
// available adapter. Unknown codes and selections with nothing available
// are validation errors.
func (r *Registry) Select(codes []string) ([]Adapter, error) {
	if len(codes) == 0 {
		out := r.Available()
		if len(out) == 0 {
			return nil, model.Invalid("platforms", "no platform is available")
		}
		return out, nil
	}

	seen := make(map[string]bool, len(codes))
	var (
		out       []Adapter
		available bool
	)
	for _, c := range codes {
		a, ok := r.Get(c)
		if !ok {
			return nil, model.Invalid("platforms", "unknown platform "+c)
		}
		if seen[a.Code()] {
			continue
		}
		seen[a.Code()] = true
		out = append(out, a)
		available = available || a.Available()
	}
	if !available {
		return nil, model.Invalid("platforms", "no selected platform is available")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code() < out[j].Code() })
	return out, nil
}

// Codes returns the codes of the given adapters.
func Codes(adapters []Adapter) []string {
	out := make([]string, len(adapters))
	for i, a := range adapters {
		out[i] = a.Code()
	}
	return out
}
