// Package api serves the operator HTTP interface: goal submission, live
// status, plan history and progress charts.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/pathguard/internal/db"
	"github.com/banshee-data/pathguard/internal/httputil"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/version"
	"gonum.org/v1/gonum/spatial/r3"
)

// Coordinator is the part of replan.Coordinator the API drives.
type Coordinator interface {
	HandleMap(points []r3.Vec) (int, error)
	HandleGoal(p r3.Vec) error
	HandlePoseGoal(x, y, oz float64) (r3.Vec, error)
	Abort()
	Snapshot() replan.Snapshot
}

// StatusReader returns the most recent tick status.
type StatusReader interface {
	Get() (replan.Status, bool)
}

// Store is the plan history. It may be nil when running without a database.
type Store interface {
	ListPlans(limit int) ([]db.PlanRow, error)
	GetPlan(id string) (db.PlanRow, error)
	ProgressForPlan(planID string) ([]db.ProgressSample, error)
}

type Server struct {
	coord  Coordinator
	status StatusReader
	store  Store
}

func NewServer(coord Coordinator, status StatusReader, store Store) *Server {
	return &Server{coord: coord, status: status, store: store}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/map", s.handleMap)
	mux.HandleFunc("/api/goal", s.handleGoal)
	mux.HandleFunc("/api/abort", s.handleAbort)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/plans", s.listPlans)
	mux.HandleFunc("/api/progress", s.listProgress)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/charts/progress", s.progressChart)
	return mux
}

type mapRequest struct {
	Points [][3]float64 `json:"points"`
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req mapRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	points := make([]r3.Vec, len(req.Points))
	for i, p := range req.Points {
		points[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	n, err := s.coord.HandleMap(points)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ingested": n,
		"snapshot": s.coord.Snapshot(),
	})
}

// goalRequest accepts either a 3D point or a planar pose. When
// orientation_z is present z must be absent and the height is derived from
// the orientation.
type goalRequest struct {
	X            *float64 `json:"x"`
	Y            *float64 `json:"y"`
	Z            *float64 `json:"z"`
	OrientationZ *float64 `json:"orientation_z"`
}

type goalResponse struct {
	Goal     r3.Vec          `json:"goal"`
	Snapshot replan.Snapshot `json:"snapshot"`
}

func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req goalRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.X == nil || req.Y == nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "x and y are required")
		return
	}

	var (
		goal r3.Vec
		err  error
	)
	switch {
	case req.Z != nil && req.OrientationZ != nil:
		httputil.WriteJSONError(w, http.StatusBadRequest, "give either z or orientation_z, not both")
		return
	case req.Z != nil:
		goal = r3.Vec{X: *req.X, Y: *req.Y, Z: *req.Z}
		err = s.coord.HandleGoal(goal)
	case req.OrientationZ != nil:
		goal, err = s.coord.HandlePoseGoal(*req.X, *req.Y, *req.OrientationZ)
	default:
		httputil.WriteJSONError(w, http.StatusBadRequest, "one of z or orientation_z is required")
		return
	}

	switch {
	case errors.Is(err, replan.ErrMapNotReady):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, replan.ErrInfeasibleGoal):
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusAccepted, goalResponse{Goal: goal, Snapshot: s.coord.Snapshot()})
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.coord.Abort()
	httputil.WriteJSON(w, http.StatusOK, s.coord.Snapshot())
}

type statusResponse struct {
	Snapshot replan.Snapshot `json:"snapshot"`
	Tick     *replan.Status  `json:"tick,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	resp := statusResponse{Snapshot: s.coord.Snapshot()}
	if s.status != nil {
		if st, ok := s.status.Get(); ok {
			resp.Tick = &st
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "plan history is disabled")
		return false
	}
	return true
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireStore(w) {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil || limit < 1 {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return
	}
	plans, err := s.store.ListPlans(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve plans: %v", err))
		return
	}
	if plans == nil {
		plans = []db.PlanRow{}
	}
	httputil.WriteJSON(w, http.StatusOK, plans)
}

func (s *Server) listProgress(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireStore(w) {
		return
	}
	id := r.URL.Query().Get("plan_id")
	if id == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	samples, err := s.store.ProgressForPlan(id)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve progress: %v", err))
		return
	}
	if samples == nil {
		samples = []db.ProgressSample{}
	}
	httputil.WriteJSON(w, http.StatusOK, samples)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, version.Info())
}
