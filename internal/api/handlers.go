package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/currency"
	"github.com/sells-group/sourcing-cli/internal/export"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/sourcing"
	"github.com/sells-group/sourcing-cli/internal/store"
)

type createJobBody struct {
	ProductID      string           `json:"product_id" validate:"required,max=128"`
	ProductTitle   string           `json:"product_title" validate:"required,max=512"`
	Platforms      []string         `json:"platforms" validate:"omitempty,max=8,dive,required"`
	Quantity       *int             `json:"quantity" validate:"omitempty,gt=0"`
	WeightKg       *decimal.Decimal `json:"weight_kg"`
	CustomsRate    *decimal.Decimal `json:"customs_rate"`
	SellPriceLocal *decimal.Decimal `json:"sell_price_local"`
	ProviderID     string           `json:"provider_id" validate:"omitempty,max=64"`
}

func (b createJobBody) request() sourcing.CreateJobRequest {
	req := sourcing.CreateJobRequest{
		ProductID: b.ProductID,
		Title:     b.ProductTitle,
		Platforms: b.Platforms,
		Params: model.JobParams{
			SellPriceLocal: b.SellPriceLocal,
			ProviderID:     b.ProviderID,
		},
	}
	if b.Quantity != nil {
		req.Params.Quantity = *b.Quantity
	}
	if b.WeightKg != nil {
		req.Params.WeightKg = *b.WeightKg
	}
	if b.CustomsRate != nil {
		req.Params.CustomsRatePct = *b.CustomsRate
	}
	return req
}

type cargoCalcBody struct {
	ItemCostUSD    decimal.Decimal  `json:"item_cost_usd"`
	WeightKg       decimal.Decimal  `json:"weight_kg"`
	Quantity       int              `json:"quantity" validate:"gt=0"`
	ProviderID     string           `json:"provider_id" validate:"omitempty,max=64"`
	CustomsRate    *decimal.Decimal `json:"customs_rate"`
	VATRate        *decimal.Decimal `json:"vat_rate"`
	SellPriceLocal *decimal.Decimal `json:"sell_price_local"`
	USDRate        *decimal.Decimal `json:"usd_rate"`
}

type platformView struct {
	Code      string         `json:"code"`
	Name      string         `json:"name"`
	Country   string         `json:"country"`
	Available bool           `json:"available"`
	Stats     platform.Stats `json:"stats"`
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.log.Warn("api: health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) createJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if err := s.decode(w, r, &body); err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.deps.Jobs.CreateJob(r.Context(), body.request())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if view.Results == nil {
		view.Results = []model.SourcingResult{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.fail(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.fail(w, err)
		return
	}

	page, err := s.deps.Jobs.ListJobs(r.Context(), store.JobFilter{
		Status:    model.JobStatus(q.Get("status")),
		ProductID: q.Get("product_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) exportJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteJob(&buf, view.SourcingJob, view.Results); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sourcing-%s.xlsx"`, view.ID))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *server) calculateCargo(w http.ResponseWriter, r *http.Request) {
	var body cargoCalcBody
	if err := s.decode(w, r, &body); err != nil {
		s.fail(w, err)
		return
	}

	var usdRate decimal.Decimal
	if body.USDRate != nil {
		usdRate = *body.USDRate
	} else {
		rate, err := s.deps.Rates.USDRate(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		usdRate = rate
	}

	providerID := body.ProviderID
	if providerID == "" {
		providerID = s.deps.Calculator.Providers().Default().ID
	}

	snap, err := s.deps.Calculator.Calculate(cost.Input{
		ItemCostUSD:    body.ItemCostUSD,
		Quantity:       body.Quantity,
		WeightKg:       body.WeightKg,
		ProviderID:     providerID,
		CustomsRatePct: body.CustomsRate,
		VATRatePct:     body.VATRate,
		USDRate:        usdRate,
		SellPriceLocal: body.SellPriceLocal,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) listProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.deps.Calculator.Providers().List(r.URL.Query().Get("origin"))
	if providers == nil {
		providers = []model.CargoProvider{}
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *server) getRates(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Rates.GetRates(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) refreshRates(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Rates.Refresh(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) listPlatforms(w http.ResponseWriter, _ *http.Request) {
	adapters := s.deps.Platforms.All()
	out := make([]platformView, len(adapters))
	for i, a := range adapters {
		out[i] = platformView{
			Code:      a.Code(),
			Name:      a.Name(),
			Country:   a.Country(),
			Available: a.Available(),
			Stats:     a.Stats(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("lookback_hours"), "lookback_hours")
	if err != nil {
		s.fail(w, err)
		return
	}
	if hours == 0 {
		hours = s.opts.DefaultLookbackHours
	}
	snap, err := s.deps.Stats.Collect(r.Context(), hours)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// fail maps err to a status code and writes the error body.
func (s *server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("api: request failed", zap.Int("status", status), zap.Error(err))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, currency.ErrNoRates):
		return http.StatusBadGateway
	case errors.Is(err, sourcing.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
