package server_test

import (
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/projection"
	"IRSLedger/internal/query"
	"IRSLedger/internal/server"
	"IRSLedger/internal/state"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T) (http.Handler, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	usdc, _ := ledger.GetAssetID("USDC")
	l := ledger.New(usdc, ledger.WithClock(clock))
	o, err := oracle.New(oracle.DefaultConfig(), nil, oracle.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, o.Record(fpmath.PercentToWad(6), now.Unix()))
	risk, err := state.NewRiskParamsManager(uuid.New(), state.DefaultRiskParams())
	require.NoError(t, err)
	margin, err := state.NewMarginEngine(risk, o, state.WithClock(clock))
	require.NoError(t, err)
	pm := state.NewPositionManager(l, margin, state.WithClock(clock))

	trader := uuid.New()
	require.NoError(t, l.Deposit(ctx, trader, fpmath.FromUnits(5_000)))
	_, err = pm.OpenPosition(ctx, trader, state.OpenRequest{
		IsPayingFixed: false,
		Notional:      fpmath.FromUnits(10_000),
		FixedRate:     fpmath.PercentToWad(5),
		MaturityDays:  30,
		Margin:        fpmath.FromUnits(2_000),
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	qs := query.NewQueryService(query.Deps{
		Positions: pm,
		Margin:    margin,
		Oracle:    o,
		Ledger:    l,
		History:   projection.NewHistory(10),
		Clock:     clock,
	})

	checker := observability.NewHealthChecker()
	checker.SetReady(true)
	h, err := server.NewHandler(server.Deps{
		Query:         qs,
		HealthChecker: checker,
		Gatherer:      reg,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	return h, trader
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes_Position(t *testing.T) {
	h, trader := newHandler(t)

	rec := get(t, h, "/v1/positions/1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pos query.PositionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, trader, pos.Trader)
	assert.False(t, pos.IsPayingFixed)
	assert.Equal(t, "2000", pos.Margin)

	rec = get(t, h, "/v1/positions?trader="+trader.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var list []query.PositionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = get(t, h, "/v1/positions/1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"liquidatable":false`)
}

func TestRoutes_ErrorMapping(t *testing.T) {
	h, _ := newHandler(t)

	cases := map[string]int{
		"/v1/positions/999":               http.StatusNotFound,
		"/v1/positions/abc":               http.StatusBadRequest,
		"/v1/positions?status=open":       http.StatusBadRequest,
		"/v1/accounts/not-a-uuid/balance": http.StatusBadRequest,
		"/v1/rate?window=soon":            http.StatusBadRequest,
		"/v1/admin/integrity":             http.StatusNotImplemented,
		"/v1/liquidators/x/liquidations":  http.StatusBadRequest,
	}
	for path, want := range cases {
		rec := get(t, h, path)
		assert.Equal(t, want, rec.Code, "%s: %s", path, rec.Body.String())
	}
}

func TestRoutes_StatusHealthAndMetrics(t *testing.T) {
	h, trader := newHandler(t)

	rec := get(t, h, "/v1/accounts/"+trader.String()+"/balance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"wallet":"3000"`)

	rec = get(t, h, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"open_positions":1`)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "irs_query_requests_total"))
}
