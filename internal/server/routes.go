package server

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/observability"
	"IRSLedger/internal/query"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultLimit = 100

type queryFunc func(r *http.Request, params map[string]string) (any, error)

type route struct {
	name    string
	pattern string
	fn      queryFunc
}

// registerRoutes mounts the read-only query API on mux. Every route is a GET.
func registerRoutes(mux *runtime.ServeMux, qs *query.QueryService, metrics *observability.Metrics) error {
	routes := []route{
		{"list_positions", "/v1/positions", func(r *http.Request, _ map[string]string) (any, error) {
			req := query.ListPositionsRequest{Status: r.URL.Query().Get("status")}
			if s := r.URL.Query().Get("trader"); s != "" {
				trader, err := parseUUID(s)
				if err != nil {
					return nil, err
				}
				req.Trader = &trader
			}
			limit, err := queryInt(r, "limit", 0)
			if err != nil {
				return nil, err
			}
			req.Limit = limit
			return qs.ListPositions(r.Context(), req)
		}},
		{"get_position", "/v1/positions/{id}", func(r *http.Request, p map[string]string) (any, error) {
			id, err := parseID(p["id"])
			if err != nil {
				return nil, err
			}
			return qs.GetPosition(r.Context(), id)
		}},
		{"get_health", "/v1/positions/{id}/health", func(r *http.Request, p map[string]string) (any, error) {
			id, err := parseID(p["id"])
			if err != nil {
				return nil, err
			}
			return qs.GetHealth(r.Context(), id)
		}},
		{"position_liquidations", "/v1/positions/{id}/liquidations", func(r *http.Request, p map[string]string) (any, error) {
			id, err := parseID(p["id"])
			if err != nil {
				return nil, err
			}
			limit, err := queryInt(r, "limit", defaultLimit)
			if err != nil {
				return nil, err
			}
			return qs.ListLiquidations(&id, nil, limit)
		}},
		{"liquidator_liquidations", "/v1/liquidators/{liquidator}/liquidations", func(r *http.Request, p map[string]string) (any, error) {
			liquidator, err := parseUUID(p["liquidator"])
			if err != nil {
				return nil, err
			}
			limit, err := queryInt(r, "limit", defaultLimit)
			if err != nil {
				return nil, err
			}
			return qs.ListLiquidations(nil, &liquidator, limit)
		}},
		{"get_rate", "/v1/rate", func(r *http.Request, _ map[string]string) (any, error) {
			var window time.Duration
			if s := r.URL.Query().Get("window"); s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, errs.Wrap(errs.InvalidInput, "server.window", err)
				}
				window = d
			}
			return qs.GetRate(r.Context(), window)
		}},
		{"list_rates", "/v1/rates", func(r *http.Request, _ map[string]string) (any, error) {
			limit, err := queryInt(r, "limit", defaultLimit)
			if err != nil {
				return nil, err
			}
			return qs.ListRates(limit), nil
		}},
		{"get_balance", "/v1/accounts/{owner}/balance", func(r *http.Request, p map[string]string) (any, error) {
			owner, err := parseUUID(p["owner"])
			if err != nil {
				return nil, err
			}
			return qs.GetBalance(r.Context(), owner)
		}},
		{"get_journal", "/v1/accounts/{owner}/journal", func(r *http.Request, p map[string]string) (any, error) {
			owner, err := parseUUID(p["owner"])
			if err != nil {
				return nil, err
			}
			limit, err := queryInt(r, "limit", defaultLimit)
			if err != nil {
				return nil, err
			}
			var before *int64
			if s := r.URL.Query().Get("before"); s != "" {
				seq, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, errs.Wrap(errs.InvalidInput, "server.before", err)
				}
				before = &seq
			}
			pr, err := projected(qs)
			if err != nil {
				return nil, err
			}
			return pr.GetJournalHistory(r.Context(), owner, limit, before)
		}},
		{"get_status", "/v1/status", func(r *http.Request, _ map[string]string) (any, error) {
			return qs.GetSystemStatus(r.Context())
		}},
		{"verify_integrity", "/v1/admin/integrity", func(r *http.Request, _ map[string]string) (any, error) {
			pr, err := projected(qs)
			if err != nil {
				return nil, err
			}
			return pr.VerifyIntegrity(r.Context())
		}},
	}

	marshaler := &runtime.JSONBuiltin{}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.pattern, instrument(mux, marshaler, rt, metrics)); err != nil {
			return err
		}
	}
	return nil
}

func instrument(mux *runtime.ServeMux, marshaler runtime.Marshaler, rt route, metrics *observability.Metrics) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		v, err := rt.fn(r, params)
		if err != nil {
			metrics.ObserveQuery(rt.name, codeFor(err).String(), time.Since(start))
			runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
			return
		}

		data, err := marshaler.Marshal(v)
		if err != nil {
			metrics.ObserveQuery(rt.name, codes.Internal.String(), time.Since(start))
			runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
			return
		}
		w.Header().Set("Content-Type", marshaler.ContentType(v))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		metrics.ObserveQuery(rt.name, codes.OK.String(), time.Since(start))
	}
}

// errorHandler maps the error taxonomy onto gRPC codes, which the gateway
// renders with the matching HTTP status.
func errorHandler(ctx context.Context, mux *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := status.FromError(err); !ok {
		err = status.Error(codeFor(err), err.Error())
	}
	runtime.DefaultHTTPErrorHandler(ctx, mux, m, w, r, err)
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	switch errs.KindOf(err) {
	case errs.InvalidInput, errs.ParameterOutOfBounds:
		return codes.InvalidArgument
	case errs.NotFound:
		return codes.NotFound
	case errs.StateConflict, errs.InsufficientFunds:
		return codes.FailedPrecondition
	case errs.Unauthorized:
		return codes.PermissionDenied
	case errs.StaleData:
		return codes.Unavailable
	case errs.Overflow:
		return codes.OutOfRange
	}
	return codes.Internal
}

func projected(qs *query.QueryService) (*query.ProjectionReader, error) {
	if qs.Projected == nil {
		return nil, status.Error(codes.Unimplemented, "projection store not configured")
	}
	return qs.Projected, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidInput, "server.id", err)
	}
	return id, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.InvalidInput, "server.uuid", err)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errs.E(errs.InvalidInput, "server."+name, "invalid %s %q", name, s)
	}
	return n, nil
}
