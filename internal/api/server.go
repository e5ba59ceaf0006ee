// Package api is the HTTP JSON surface of the carving service: status
// and result inspection, parameter updates, rebuild triggering, and
// the run ledger.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/carve/pipeline"
	"github.com/voxelkit/carve/internal/db"
	"github.com/voxelkit/carve/internal/httputil"
	"github.com/voxelkit/carve/internal/monitoring"
	"github.com/voxelkit/carve/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	pre *pipeline.Preprocessor
	db  *db.DB // nil when the service runs without a run ledger
}

func NewServer(pre *pipeline.Preprocessor, database *db.DB) *Server {
	return &Server{
		pre: pre,
		db:  database,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/result", s.showResult)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/params", s.updateParams)
	mux.HandleFunc("/api/rebuild", s.rebuild)
	return mux
}

// rebuildStatus maps a failed computation to an HTTP status: input
// problems the user can correct are 422, a missing input is 409, and
// anything else is on us.
func rebuildStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoInput):
		return http.StatusConflict
	case carve.IsDataConstraint(err) || errors.Is(err, carve.ErrConstantVolume):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	State        string           `json:"state"`
	HasInput     bool             `json:"has_input"`
	InputVersion string           `json:"input_version,omitempty"`
	InputShape   string           `json:"input_shape,omitempty"`
	Params       carve.Parameters `json:"params"`
	UnsavedData  bool             `json:"unsaved_data"`
	ResultID     string           `json:"result_id,omitempty"`
	Version      string           `json:"version"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := statusResponse{
		State:       "clean",
		Params:      s.pre.Parameters(),
		UnsavedData: s.pre.HasUnsavedData(),
		Version:     version.String(),
	}
	if s.pre.Dirty() {
		resp.State = "dirty"
	}
	if meta, ok := s.pre.InputMeta(); ok {
		resp.HasInput = true
		resp.InputVersion = s.pre.InputVersion().String()
		resp.InputShape = meta.Shape.String()
	}
	if res := s.pre.CachedResult(); res != nil {
		resp.ResultID = res.ID.String()
	}

	httputil.WriteJSONOK(w, resp)
}

type resultSummary struct {
	ID           string                `json:"id"`
	InputVersion string                `json:"input_version"`
	BuiltAt      time.Time             `json:"built_at"`
	Params       carve.Parameters      `json:"params"`
	Timings      pipeline.StageTimings `json:"timings"`
	NumRegions   int                   `json:"num_regions"`
	NumEdges     int                   `json:"num_edges"`
	MSTWeight    float64               `json:"mst_weight"`
	SizeStats    carve.RegionSizeStats `json:"size_stats"`
	Regions      []carve.Region        `json:"regions,omitempty"`
}

func summarize(res *pipeline.Result, includeRegions bool) resultSummary {
	summary := resultSummary{
		ID:           res.ID.String(),
		InputVersion: res.InputVersion.String(),
		BuiltAt:      res.BuiltAt,
		Params:       res.Params,
		Timings:      res.Timings,
		NumRegions:   res.Graph.NumRegions(),
		NumEdges:     res.Graph.NumEdges(),
		MSTWeight:    res.Graph.MSTWeight(),
		SizeStats:    res.Graph.SizeStats(),
	}
	if includeRegions {
		summary.Regions = res.Graph.Regions()
	}
	return summary
}

// showResult reports the cached result without triggering a build. A
// dirty pipeline still serves the previous result; POST /api/rebuild
// is the only way to compute a new one.
func (s *Server) showResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	res := s.pre.CachedResult()
	if res == nil {
		httputil.NotFound(w, "No computed result; POST /api/rebuild first")
		return
	}

	includeRegions := r.URL.Query().Get("regions") == "1"
	httputil.WriteJSONOK(w, summarize(res, includeRegions))
}

func (s *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	res, err := s.pre.Result()
	if err != nil {
		httputil.WriteJSONError(w, rebuildStatus(err), fmt.Sprintf("Rebuild failed: %v", err))
		return
	}

	httputil.WriteJSONOK(w, summarize(res, false))
}

// paramsPatch is a partial parameter update; absent keys keep their
// current values, mirroring the config file convention.
type paramsPatch struct {
	Sigma           *float64 `json:"sigma"`
	Filter          *string  `json:"filter"`
	Agglomerate     *bool    `json:"agglomerate"`
	SizeRegularizer *float64 `json:"size_regularizer"`
	ReduceTo        *float64 `json:"reduce_to"`
}

type paramsResponse struct {
	Params carve.Parameters `json:"params"`
	Dirty  bool             `json:"dirty"`
}

func (s *Server) updateParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var patch paramsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&patch); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid parameter body: %v", err))
		return
	}

	next := s.pre.Parameters()
	if patch.Sigma != nil {
		next.Sigma = *patch.Sigma
	}
	if patch.Filter != nil {
		kind, err := carve.ParseFilterKind(*patch.Filter)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		next.Filter = kind
	}
	if patch.Agglomerate != nil {
		next.Agglomerate = *patch.Agglomerate
	}
	if patch.SizeRegularizer != nil {
		next.SizeRegularizer = *patch.SizeRegularizer
	}
	if patch.ReduceTo != nil {
		next.ReduceTo = *patch.ReduceTo
	}
	if err := next.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	s.pre.SetParameters(next)

	httputil.WriteJSONOK(w, paramsResponse{Params: s.pre.Parameters(), Dirty: s.pre.Dirty()})
}

type runDetail struct {
	Run         db.Run   `json:"run"`
	RegionSizes []uint32 `json:"region_sizes,omitempty"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "Run ledger is not enabled")
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		run, err := s.db.RunByID(id)
		if err != nil {
			httputil.NotFound(w, fmt.Sprintf("Failed to retrieve run: %v", err))
			return
		}
		sizes, err := s.db.RegionSizes(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve region sizes: %v", err))
			return
		}
		httputil.WriteJSONOK(w, runDetail{Run: *run, RegionSizes: sizes})
		return
	}

	limit := 0 // ListRuns applies its default
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	httputil.WriteJSONOK(w, runs)
}
