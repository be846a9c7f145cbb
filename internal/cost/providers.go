package cost

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// DefaultProviderID is used when neither the caller nor the file names one.
const DefaultProviderID = "cn-cargo"

// Registry is the read-only set of cargo providers loaded at startup.
type Registry struct {
	providers []model.CargoProvider
	byID      map[string]model.CargoProvider
	defaultID string
}

// DefaultProviders returns the built-in freight routes.
func DefaultProviders() []model.CargoProvider {
	minW := func(kg int64) *decimal.Decimal {
		d := decimal.NewFromInt(kg)
		return &d
	}
	return []model.CargoProvider{
		{ID: "cn-avia", Name: "China Avia Express", Origin: "CN", Method: model.MethodAvia, RatePerKg: decimal.RequireFromString("9.5"), DeliveryDays: 10, MinWeightKg: minW(1)},
		{ID: "cn-cargo", Name: "China Cargo", Origin: "CN", Method: model.MethodCargo, RatePerKg: decimal.NewFromInt(5), DeliveryDays: 20, MinWeightKg: minW(10)},
		{ID: "cn-rail", Name: "China Rail", Origin: "CN", Method: model.MethodRail, RatePerKg: decimal.RequireFromString("3.2"), DeliveryDays: 30, MinWeightKg: minW(50)},
		{ID: "cn-auto", Name: "China Auto Freight", Origin: "CN", Method: model.MethodAuto, RatePerKg: decimal.RequireFromString("2.8"), DeliveryDays: 25, MinWeightKg: minW(100)},
		{ID: "tr-turkey", Name: "Turkey Cargo", Origin: "TR", Method: model.MethodTurkey, RatePerKg: decimal.NewFromInt(6), DeliveryDays: 12},
		{ID: "eu-auto", Name: "Europe Auto Freight", Origin: "EU", Method: model.MethodAuto, RatePerKg: decimal.RequireFromString("4.5"), DeliveryDays: 18},
	}
}

// NewRegistry validates providers and builds a registry. defaultID may be
// empty, in which case DefaultProviderID or the first provider is used.
func NewRegistry(providers []model.CargoProvider, defaultID string) (*Registry, error) {
	if len(providers) == 0 {
		return nil, eris.New("cost: no cargo providers configured")
	}

	byID := make(map[string]model.CargoProvider, len(providers))
	for _, p := range providers {
		switch {
		case p.ID == "":
			return nil, eris.New("cost: cargo provider without id")
		case !p.RatePerKg.IsPositive():
			return nil, eris.Errorf("cost: provider %s: rate_per_kg must be positive", p.ID)
		case p.DeliveryDays <= 0:
			return nil, eris.Errorf("cost: provider %s: delivery_days must be positive", p.ID)
		case !p.Method.Valid():
			return nil, eris.Errorf("cost: provider %s: unknown method %q", p.ID, p.Method)
		case p.MinWeightKg != nil && p.MinWeightKg.IsNegative():
			return nil, eris.Errorf("cost: provider %s: min_weight_kg must not be negative", p.ID)
		}
		if _, dup := byID[p.ID]; dup {
			return nil, eris.Errorf("cost: duplicate provider id %s", p.ID)
		}
		byID[p.ID] = p
	}

	if defaultID == "" {
		defaultID = DefaultProviderID
		if _, ok := byID[defaultID]; !ok {
			defaultID = providers[0].ID
		}
	}
	if _, ok := byID[defaultID]; !ok {
		return nil, eris.Errorf("cost: default provider %s not found", defaultID)
	}

	sorted := make([]model.CargoProvider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Origin != sorted[j].Origin {
			return sorted[i].Origin < sorted[j].Origin
		}
		return sorted[i].RatePerKg.GreaterThan(sorted[j].RatePerKg)
	})

	return &Registry{providers: sorted, byID: byID, defaultID: defaultID}, nil
}

// providerFile is the on-disk shape of a provider list.
type providerFile struct {
	Default   string `yaml:"default"`
	Providers []struct {
		ID           string   `yaml:"id"`
		Name         string   `yaml:"name"`
		Origin       string   `yaml:"origin"`
		Method       string   `yaml:"method"`
		RatePerKg    float64  `yaml:"rate_per_kg"`
		DeliveryDays int      `yaml:"delivery_days"`
		MinWeightKg  *float64 `yaml:"min_weight_kg"`
	} `yaml:"providers"`
}

// LoadRegistry reads providers from a YAML file. An empty path yields the
// built-in defaults. defaultID overrides the file's default when set.
func LoadRegistry(path, defaultID string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultProviders(), defaultID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: read providers %s", path)
	}

	var f providerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "cost: parse providers")
	}

	providers := make([]model.CargoProvider, 0, len(f.Providers))
	for _, p := range f.Providers {
		cp := model.CargoProvider{
			ID:           p.ID,
			Name:         p.Name,
			Origin:       strings.ToUpper(p.Origin),
			Method:       model.ShippingMethod(strings.ToUpper(p.Method)),
			RatePerKg:    decimal.NewFromFloat(p.RatePerKg),
			DeliveryDays: p.DeliveryDays,
		}
		if p.MinWeightKg != nil {
			mw := decimal.NewFromFloat(*p.MinWeightKg)
			cp.MinWeightKg = &mw
		}
		providers = append(providers, cp)
	}

	if defaultID == "" {
		defaultID = f.Default
	}
	return NewRegistry(providers, defaultID)
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (model.CargoProvider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Default returns the provider used when a job does not pick one.
func (r *Registry) Default() model.CargoProvider {
	return r.byID[r.defaultID]
}

// List returns providers for an origin (case-insensitive), or all when
// origin is empty. The returned slice is a copy.
func (r *Registry) List(origin string) []model.CargoProvider {
	origin = strings.ToUpper(strings.TrimSpace(origin))
	out := make([]model.CargoProvider, 0, len(r.providers))
	for _, p := range r.providers {
		if origin == "" || p.Origin == origin {
			out = append(out, p)
		}
	}
	return out
}
