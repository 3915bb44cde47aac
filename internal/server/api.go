package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"PerpSim/internal/observability"
	"PerpSim/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Querier is the read side served over HTTP. *query.QueryService satisfies it.
type Querier interface {
	ListRuns(ctx context.Context, limit int) ([]query.RunSummary, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*query.RunSummary, error)
	GetStepMetrics(ctx context.Context, runID uuid.UUID, afterStep int64, limit int) ([]query.StepMetricsResponse, error)
	GetAssetMetrics(ctx context.Context, runID uuid.UUID, asset string, afterStep int64, limit int) ([]query.AssetMetricsResponse, error)
	GetAgentBalances(ctx context.Context, runID, agentID uuid.UUID) ([]query.AgentBalanceResponse, error)
	GetPositions(ctx context.Context, runID uuid.UUID, traderID *uuid.UUID) ([]query.PositionResponse, error)
	GetEvents(ctx context.Context, runID uuid.UUID, eventType *string, afterSequence int64, limit int) ([]query.EventResponse, error)
	VerifyIntegrity(ctx context.Context, runID uuid.UUID) (*query.IntegrityReport, error)
}

// Rebuilder replays a run's agent projection from its latest snapshot and
// returns the rebuilt step (-1 when no snapshot exists).
type Rebuilder func(ctx context.Context, runID uuid.UUID) (int64, error)

// API maps HTTP routes onto a Querier.
type API struct {
	qs      Querier
	rebuild Rebuilder
	metrics *observability.Metrics
}

func NewAPI(qs Querier, rebuild Rebuilder, metrics *observability.Metrics) *API {
	return &API{qs: qs, rebuild: rebuild, metrics: metrics}
}

type route struct {
	method   string
	pattern  string
	endpoint string
	handler  runtime.HandlerFunc
}

// Register adds every route to mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []route{
		{"GET", "/v1/runs", "list_runs", a.listRuns},
		{"GET", "/v1/runs/{run_id}", "get_run", a.getRun},
		{"GET", "/v1/runs/{run_id}/steps", "step_metrics", a.stepMetrics},
		{"GET", "/v1/runs/{run_id}/assets/{asset}/metrics", "asset_metrics", a.assetMetrics},
		{"GET", "/v1/runs/{run_id}/agents/{agent_id}/balances", "agent_balances", a.agentBalances},
		{"GET", "/v1/runs/{run_id}/positions", "positions", a.positions},
		{"GET", "/v1/runs/{run_id}/events", "events", a.events},
		{"GET", "/v1/admin/runs/{run_id}/integrity", "verify_integrity", a.verifyIntegrity},
		{"POST", "/v1/admin/runs/{run_id}/rebuild", "rebuild_projection", a.rebuildProjection},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.endpoint, r.handler)); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (a *API) listRuns(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := a.qs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"runs": orEmpty(runs)})
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := a.qs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, run)
}

func (a *API) stepMetrics(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := a.qs.GetStepMetrics(r.Context(), runID, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"steps": orEmpty(steps)})
}

func (a *API) assetMetrics(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := a.qs.GetAssetMetrics(r.Context(), runID, p["asset"], after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"metrics": orEmpty(rows)})
}

func (a *API) agentBalances(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	agentID, err := uuidParam(p, "agent_id")
	if err != nil {
		writeError(w, err)
		return
	}
	balances, err := a.qs.GetAgentBalances(r.Context(), runID, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"balances": orEmpty(balances)})
}

func (a *API) positions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var traderID *uuid.UUID
	if s := r.URL.Query().Get("trader_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid trader_id: %v", err))
			return
		}
		traderID = &id
	}
	positions, err := a.qs.GetPositions(r.Context(), runID, traderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"positions": orEmpty(positions)})
}

func (a *API) events(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var eventType *string
	if s := r.URL.Query().Get("type"); s != "" {
		eventType = &s
	}
	events, err := a.qs.GetEvents(r.Context(), runID, eventType, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"events": orEmpty(events)})
}

func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request, p map[string]string) {
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := a.qs.VerifyIntegrity(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, report)
}

func (a *API) rebuildProjection(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if a.rebuild == nil {
		writeError(w, status.Error(codes.Unimplemented, "projection rebuild is not configured"))
		return
	}
	runID, err := uuidParam(p, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	step, err := a.rebuild(r.Context(), runID)
	if err != nil {
		writeError(w, status.Errorf(codes.Internal, "rebuild failed: %v", err))
		return
	}
	writeJSON(w, map[string]interface{}{"run_id": runID, "rebuilt_step": step})
}

// ============================================================================
// Helpers
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	if a.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, p)
		a.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		a.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

func uuidParam(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return id, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, s)
	}
	return v, nil
}

// pageParams reads the "after" cursor (default -1) and "limit".
func pageParams(r *http.Request) (int64, int, error) {
	after := int64(-1)
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, 0, status.Errorf(codes.InvalidArgument, "invalid after: %q", s)
		}
		after = v
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return 0, 0, err
	}
	return after, limit, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// writeError maps errors to gRPC codes and then to HTTP status the same way
// the gateway does for proxied calls.
func writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		code := codes.Internal
		if errors.Is(err, query.ErrNotFound) {
			code = codes.NotFound
		}
		st = status.New(code, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
