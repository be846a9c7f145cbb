// Package platform holds one adapter per marketplace. Each adapter maps its
// marketplace's search response into model.ProductOffer and reports failures
// as values, never as panics or returned errors.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
)

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindAuth        ErrorKind = "auth"
	KindStatus      ErrorKind = "status"
	KindMalformed   ErrorKind = "malformed"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindConversion  ErrorKind = "conversion"
)

// AdapterError is a non-fatal failure of one marketplace search.
type AdapterError struct {
	Platform string
	Kind     ErrorKind
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Result is the outcome of one adapter search. Exactly one of Offers
// (possibly empty), Err or Skipped describes it.
type Result struct {
	Platform string
	Offers   []model.ProductOffer
	Err      *AdapterError
	Skipped  bool
	Dropped  int
	Duration time.Duration
}

// Usable reports whether the search completed, even with zero offers.
func (r Result) Usable() bool {
	return !r.Skipped && r.Err == nil
}

// Adapter searches one marketplace.
type Adapter interface {
	Code() string
	Name() string
	Country() string
	// Available reports whether the adapter is enabled and has the
	// credentials it needs. Unavailable adapters skip without I/O.
	Available() bool
	Search(ctx context.Context, query string) Result
	Stats() Stats
}

// Converter turns marketplace prices into USD.
type Converter interface {
	ToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// Stats are adapter-local counters for diagnostics.
type Stats struct {
	Calls        int64         `json:"calls"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastCallAt   time.Time     `json:"last_call_at,omitempty"`
	Circuit      string        `json:"circuit"`
}

// decodeError marks a response body we could not parse.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// apiError is an error reported inside a 200 response body.
type apiError struct {
	Code string
	Msg  string
	Auth bool
}

func (e *apiError) Error() string { return fmt.Sprintf("api error %s: %s", e.Code, e.Msg) }

// conversionError marks a failed currency conversion.
type conversionError struct{ err error }

func (e *conversionError) Error() string { return "convert price: " + e.err.Error() }
func (e *conversionError) Unwrap() error { return e.err }

func classify(platform string, err error) *AdapterError {
	ae := &AdapterError{Platform: platform, Kind: KindNetwork, Err: err}

	var (
		se   *resilience.StatusError
		de   *decodeError
		api  *apiError
		ce   *conversionError
		nerr net.Error
	)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		ae.Kind = KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		ae.Kind = KindTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		ae.Kind = KindTimeout
	case errors.As(err, &se):
		if se.Unauthorized() {
			ae.Kind = KindAuth
		} else {
			ae.Kind = KindStatus
		}
	case errors.As(err, &de):
		ae.Kind = KindMalformed
	case errors.As(err, &api):
		if api.Auth {
			ae.Kind = KindAuth
		} else {
			ae.Kind = KindStatus
		}
	case errors.As(err, &ce):
		ae.Kind = KindConversion
	}
	return ae
}
