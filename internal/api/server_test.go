package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/carve/pipeline"
	"github.com/voxelkit/carve/internal/db"
	"github.com/voxelkit/carve/internal/testutil"
	"github.com/voxelkit/carve/internal/volume"
)

// dippedRamp is a single-slice volume whose intensities rise along x
// and y with periodic dips, so the watershed finds several basins no
// matter which filter ran first.
func dippedRamp(nx, ny int) *volume.Volume {
	v := volume.New(volume.Shape{1, nx, ny, 1, 1})
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			val := float64(x) + 0.7*float64(y)
			if x%5 == 2 && y%5 == 3 {
				val -= 2.5
			}
			v.Set(0, x, y, 0, 0, val)
		}
	}
	return v
}

// setupTestServer wires a server around an in-memory ramp input and a
// fresh ledger database. The smoothing filter keeps builds cheap;
// these tests exercise the HTTP surface, not filter quality.
func setupTestServer(t *testing.T) (*Server, *pipeline.Preprocessor, *db.DB) {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	pre := pipeline.NewPreprocessor(pipeline.Config{Workers: 1})
	pre.SetFilterKind(carve.FilterSmoothed)
	pre.SetAgglomerate(false)
	pre.SetInput(volume.NewMemorySource(dippedRamp(12, 12)))
	WireRunLedger(pre, database)

	return NewServer(pre, database), pre, database
}

func doRequest(t *testing.T, server *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestShowStatus(t *testing.T) {
	server, pre, _ := setupTestServer(t)

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/status", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var status statusResponse
	testutil.DecodeJSON(t, rec, &status)

	if status.State != "dirty" {
		t.Errorf("state = %q before first build, want dirty", status.State)
	}
	if !status.HasInput {
		t.Error("has_input = false, want true")
	}
	if status.InputShape != "12x12x1x1x1" {
		t.Errorf("input_shape = %q, want 12x12x1x1x1", status.InputShape)
	}
	if status.Params.Sigma != carve.DefaultSigma {
		t.Errorf("params.sigma = %v, want %v", status.Params.Sigma, carve.DefaultSigma)
	}
	if status.ResultID != "" {
		t.Errorf("result_id = %q before first build, want empty", status.ResultID)
	}
	if status.Version == "" {
		t.Error("version is empty")
	}

	if _, err := pre.Result(); err != nil {
		t.Fatalf("Result failed: %v", err)
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/status", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &status)

	if status.State != "clean" {
		t.Errorf("state = %q after build, want clean", status.State)
	}
	if status.ResultID == "" {
		t.Error("result_id is empty after build")
	}
	if !status.UnsavedData {
		t.Error("unsaved_data = false after build, want true")
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/status", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestRebuildAndShowResult(t *testing.T) {
	server, _, _ := setupTestServer(t)

	// No result yet.
	rec := doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/result", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/rebuild", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var built resultSummary
	testutil.DecodeJSON(t, rec, &built)
	if built.ID == "" {
		t.Error("rebuild returned empty result id")
	}
	if built.NumRegions < 1 {
		t.Errorf("num_regions = %d, want at least 1", built.NumRegions)
	}
	if built.NumEdges != 0 && built.NumEdges < built.NumRegions-1 {
		t.Errorf("num_edges = %d for %d regions, want a connected graph", built.NumEdges, built.NumRegions)
	}
	if len(built.Regions) != 0 {
		t.Errorf("rebuild response carries %d regions, want none", len(built.Regions))
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/result", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var cached resultSummary
	testutil.DecodeJSON(t, rec, &cached)
	if cached.ID != built.ID {
		t.Errorf("cached result id = %s, want %s", cached.ID, built.ID)
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/result?regions=1", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &cached)
	if len(cached.Regions) != cached.NumRegions {
		t.Errorf("regions=1 returned %d regions, want %d", len(cached.Regions), cached.NumRegions)
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/rebuild", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestRebuildWithoutInput(t *testing.T) {
	pre := pipeline.NewPreprocessor(pipeline.Config{Workers: 1})
	server := NewServer(pre, nil)

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/rebuild", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)
}

func TestRebuildRejectsConstrainedData(t *testing.T) {
	pre := pipeline.NewPreprocessor(pipeline.Config{Workers: 1})
	twoChannel := volume.New(volume.Shape{1, 5, 3, 1, 2})
	pre.SetInput(volume.NewMemorySource(twoChannel))
	server := NewServer(pre, nil)

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/rebuild", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusUnprocessableEntity)
}

func TestUpdateParams(t *testing.T) {
	server, pre, _ := setupTestServer(t)

	if _, err := pre.Result(); err != nil {
		t.Fatalf("Result failed: %v", err)
	}

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/params",
		`{"sigma": 2.5, "filter": "smoothed-inverted"}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var resp paramsResponse
	testutil.DecodeJSON(t, rec, &resp)
	if resp.Params.Sigma != 2.5 {
		t.Errorf("sigma = %v, want 2.5", resp.Params.Sigma)
	}
	if resp.Params.Filter != carve.FilterSmoothedInverted {
		t.Errorf("filter = %v, want smoothed-inverted", resp.Params.Filter)
	}
	if resp.Params.ReduceTo != carve.DefaultReduceTo {
		t.Errorf("reduce_to = %v, want untouched default %v", resp.Params.ReduceTo, carve.DefaultReduceTo)
	}
	if !resp.Dirty {
		t.Error("dirty = false after parameter change, want true")
	}

	for name, body := range map[string]string{
		"negative sigma": `{"sigma": -1}`,
		"unknown filter": `{"filter": "sobel"}`,
		"reduce-to zero": `{"reduce_to": 0}`,
		"malformed json": `{"sigma": `,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/params", body))
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
		})
	}

	// Rejected updates must not leak into the live parameters.
	if got := pre.Parameters().Sigma; got != 2.5 {
		t.Errorf("sigma = %v after rejected updates, want 2.5", got)
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/params", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestListRuns(t *testing.T) {
	server, pre, _ := setupTestServer(t)

	if _, err := pre.Result(); err != nil {
		t.Fatalf("first Result failed: %v", err)
	}
	pre.SetSigma(2.0)
	if _, err := pre.Result(); err != nil {
		t.Fatalf("second Result failed: %v", err)
	}

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/runs", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var runs []db.Run
	testutil.DecodeJSON(t, rec, &runs)
	if len(runs) != 2 {
		t.Fatalf("listed %d runs, want 2", len(runs))
	}
	for _, run := range runs {
		if run.Outcome != db.OutcomeOK {
			t.Errorf("run %s outcome = %q, want ok", run.ID, run.Outcome)
		}
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/runs?limit=1", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &runs)
	if len(runs) != 1 {
		t.Fatalf("limit=1 listed %d runs, want 1", len(runs))
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/runs?id="+runs[0].ID, ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var detail runDetail
	testutil.DecodeJSON(t, rec, &detail)
	if detail.Run.ID != runs[0].ID {
		t.Errorf("run id = %s, want %s", detail.Run.ID, runs[0].ID)
	}
	if len(detail.RegionSizes) != int(detail.Run.RegionsFinal) {
		t.Errorf("run has %d region sizes, want %d", len(detail.RegionSizes), detail.Run.RegionsFinal)
	}

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/runs?id=no-such-run", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/runs?limit=bogus", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestListRunsWithoutLedger(t *testing.T) {
	pre := pipeline.NewPreprocessor(pipeline.Config{Workers: 1})
	server := NewServer(pre, nil)

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodGet, "/api/runs", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestRebuildRecordsFailedRuns(t *testing.T) {
	server, pre, database := setupTestServer(t)

	// Constant input: normalization has no range to rescale, so the
	// build fails and the attempt still lands in the ledger.
	flat := volume.New(volume.Shape{1, 5, 3, 1, 1})
	for i := range flat.Data {
		flat.Data[i] = 7
	}
	pre.SetInput(volume.NewMemorySource(flat))

	rec := doRequest(t, server, testutil.JSONRequest(http.MethodPost, "/api/rebuild", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusUnprocessableEntity)

	runs, err := database.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ledger has %d runs, want 1", len(runs))
	}
	if runs[0].Outcome != db.OutcomeError {
		t.Errorf("outcome = %q, want error", runs[0].Outcome)
	}
	if runs[0].Err == "" {
		t.Error("failed run has empty error message")
	}
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
