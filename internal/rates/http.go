package rates

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// rateResponse is the JSON body served by a rate endpoint. Rates are decimal
// strings of annual rates ("0.0525" = 5.25%).
type rateResponse struct {
	SupplyRate string `json:"supply_rate"`
	BorrowRate string `json:"borrow_rate"`
}

// HTTPSource reads rates from a REST endpoint. Each call makes exactly one
// request bounded by the client timeout; it never retries.
type HTTPSource struct {
	name string
	path string
	http *resty.Client
}

var _ oracle.RateSource = (*HTTPSource)(nil)

// NewHTTPSource creates a source for GET baseURL+path.
func NewHTTPSource(name, baseURL, path string, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &HTTPSource{name: name, path: path, http: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) SupplyRate(ctx context.Context) (*big.Int, error) {
	body, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return s.parse("supply_rate", body.SupplyRate)
}

func (s *HTTPSource) BorrowRate(ctx context.Context) (*big.Int, error) {
	body, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return s.parse("borrow_rate", body.BorrowRate)
}

func (s *HTTPSource) fetch(ctx context.Context) (*rateResponse, error) {
	const op = "http.fetch"

	var body rateResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.path)
	if err != nil {
		return nil, errs.Wrap(errs.StaleData, op, fmt.Errorf("%s: %w", s.name, err))
	}
	if resp.IsError() {
		return nil, errs.E(errs.StaleData, op, "%s: unexpected status %d", s.name, resp.StatusCode())
	}
	return &body, nil
}

func (s *HTTPSource) parse(field, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, errs.E(errs.InvalidInput, "http.parse", "%s: missing %s", s.name, field)
	}
	rate, err := fpmath.ParseWad(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.name, field, err)
	}
	if rate.Sign() < 0 {
		return nil, errs.E(errs.InvalidInput, "http.parse", "%s: negative %s", s.name, field)
	}
	return rate, nil
}
