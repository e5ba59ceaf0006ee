package pipeline

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/timeutil"
	"github.com/voxelkit/carve/internal/volume"
)

// rampVolume returns a t=1, c=1 volume whose intensities rise along x,
// y and z with periodic dips so the watershed finds several basins.
func rampVolume(nx, ny, nz int) *volume.Volume {
	v := volume.New(volume.Shape{1, nx, ny, nz, 1})
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				val := float64(x) + 0.7*float64(y) + 0.3*float64(z)
				if x%5 == 2 && y%5 == 3 {
					val -= 2.5
				}
				v.Set(0, x, y, z, 0, val)
			}
		}
	}
	return v
}

// smoothParams returns a cheap parameter set for orchestration tests
// that exercise state transitions rather than filter quality.
func smoothParams() carve.Parameters {
	return carve.Parameters{
		Sigma:           1.2,
		Filter:          carve.FilterSmoothed,
		Agglomerate:     false,
		SizeRegularizer: carve.DefaultSizeRegularizer,
		ReduceTo:        carve.DefaultReduceTo,
	}
}

type countingFilter struct {
	calls atomic.Int32
	inner FilterStage
}

func (c *countingFilter) Filter(v *volume.Volume, kind carve.FilterKind, sigma float64, workers int) (*volume.Volume, error) {
	c.calls.Add(1)
	return c.inner.Filter(v, kind, sigma, workers)
}

type countingWatershed struct {
	calls atomic.Int32
	inner WatershedStage
}

func (c *countingWatershed) Segment(feat *volume.Volume, roi volume.ROI, p carve.Parameters, workers int) (*volume.LabelVolume, uint32, error) {
	c.calls.Add(1)
	return c.inner.Segment(feat, roi, p, workers)
}

type countingGraph struct {
	calls atomic.Int32
	inner GraphStage
}

func (c *countingGraph) BuildGraph(feat *volume.Volume, labels *volume.LabelVolume, obs carve.ProgressObserver) (*carve.RegionGraph, error) {
	c.calls.Add(1)
	return c.inner.BuildGraph(feat, labels, obs)
}

// TestPreprocessorMemoization verifies that two consecutive Result
// calls with no intervening change return the identical object and run
// the stage chain exactly once.
func TestPreprocessorMemoization(t *testing.T) {
	t.Parallel()

	filter := &countingFilter{inner: defaultFilter{}}
	graph := &countingGraph{inner: defaultGraph{}}
	pre := NewPreprocessor(Config{Workers: 1, Filter: filter, Graph: graph})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	first, err := pre.Result()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, pre.Dirty())

	second, err := pre.Result()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), filter.calls.Load())
	assert.Equal(t, int32(1), graph.calls.Load())
}

// TestPreprocessorSigmaChangeRebuilds verifies that changing sigma
// dirties the state and the next Result produces a new object.
func TestPreprocessorSigmaChangeRebuilds(t *testing.T) {
	t.Parallel()

	filter := &countingFilter{inner: defaultFilter{}}
	pre := NewPreprocessor(Config{Workers: 1, Filter: filter})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	first, err := pre.Result()
	require.NoError(t, err)

	pre.SetSigma(2.4)
	assert.True(t, pre.Dirty())

	second, err := pre.Result()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), filter.calls.Load())

	snap, ok := pre.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 2.4, snap.Sigma)
}

// TestPreprocessorSameParametersStayClean verifies that setting the
// current parameter values again is a no-op.
func TestPreprocessorSameParametersStayClean(t *testing.T) {
	t.Parallel()

	graph := &countingGraph{inner: defaultGraph{}}
	pre := NewPreprocessor(Config{Workers: 1, Graph: graph})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	first, err := pre.Result()
	require.NoError(t, err)

	pre.SetParameters(pre.Parameters())
	assert.False(t, pre.Dirty())

	second, err := pre.Result()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), graph.calls.Load())
}

// TestPreprocessorTypedSetters verifies the per-field setters edit the
// live parameters and dirty the state only on an actual change.
func TestPreprocessorTypedSetters(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	_, err := pre.Result()
	require.NoError(t, err)
	require.False(t, pre.Dirty())

	pre.SetSigma(smoothParams().Sigma)
	assert.False(t, pre.Dirty(), "setting the current value must not dirty")

	pre.SetReduceTo(0.35)
	assert.True(t, pre.Dirty())
	assert.Equal(t, 0.35, pre.Parameters().ReduceTo)

	_, err = pre.Result()
	require.NoError(t, err)
	require.False(t, pre.Dirty())

	pre.SetFilterKind(carve.FilterEdgeMagnitude)
	assert.True(t, pre.Dirty())

	pre.SetAgglomerate(true)
	pre.SetSizeRegularizer(0.9)
	got := pre.Parameters()
	assert.Equal(t, carve.FilterEdgeMagnitude, got.Filter)
	assert.True(t, got.Agglomerate)
	assert.Equal(t, 0.9, got.SizeRegularizer)
}

// TestPreprocessorParameterRevertReusesIntermediates verifies that a
// parameter change and revert still rebuilds the result object (the
// dirty flag clears only through a recomputation) while the filter and
// watershed outputs are reused from the intermediate caches.
func TestPreprocessorParameterRevertReusesIntermediates(t *testing.T) {
	t.Parallel()

	filter := &countingFilter{inner: defaultFilter{}}
	ws := &countingWatershed{inner: defaultWatershed{}}
	graph := &countingGraph{inner: defaultGraph{}}
	pre := NewPreprocessor(Config{Workers: 1, Filter: filter, Watershed: ws, Graph: graph})
	original := smoothParams()
	pre.SetParameters(original)
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	first, err := pre.Result()
	require.NoError(t, err)
	require.NotNil(t, pre.FilteredVolume())
	require.NotNil(t, pre.LabelVolume())

	changed := original
	changed.Sigma = 3.0
	pre.SetParameters(changed)
	assert.Nil(t, pre.FilteredVolume(), "cached response must not match changed parameters")
	assert.Nil(t, pre.LabelVolume())

	pre.SetParameters(original)
	assert.True(t, pre.Dirty())

	second, err := pre.Result()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(1), filter.calls.Load(), "response volume should be reused")
	assert.Equal(t, int32(1), ws.calls.Load(), "label volume should be reused")
	assert.Equal(t, int32(2), graph.calls.Load())
}

// TestPreprocessorInputChangeResetsSnapshot verifies the full-restart
// semantics of replacing the root input: snapshot unset, cache dropped,
// new input version.
func TestPreprocessorInputChangeResetsSnapshot(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	_, err := pre.Result()
	require.NoError(t, err)
	_, ok := pre.Snapshot()
	require.True(t, ok)
	v0 := pre.InputVersion()

	pre.SetInput(volume.NewMemorySource(rampVolume(10, 10, 1)))

	_, ok = pre.Snapshot()
	assert.False(t, ok, "snapshot must reset to unset on input change")
	assert.Nil(t, pre.CachedResult())
	assert.True(t, pre.Dirty())
	assert.NotEqual(t, v0, pre.InputVersion())
}

// TestPreprocessorInputDataChangeResets verifies that a data change
// reported by the connected source propagates through the block cache
// and resets derived state, and that the next build sees the new data.
func TestPreprocessorInputDataChangeResets(t *testing.T) {
	t.Parallel()

	src := volume.NewMemorySource(rampVolume(12, 12, 1))
	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(src)

	first, err := pre.Result()
	require.NoError(t, err)
	v0 := pre.InputVersion()

	src.SetData(rampVolume(12, 12, 1))

	assert.True(t, pre.Dirty())
	assert.Nil(t, pre.CachedResult())
	_, ok := pre.Snapshot()
	assert.False(t, ok)
	assert.NotEqual(t, v0, pre.InputVersion())

	second, err := pre.Result()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

// TestPreprocessorChannelConstraint verifies that a 2-channel input
// raises the user-facing constraint error and leaves the pipeline
// output unchanged: still Dirty, no cache.
func TestPreprocessorChannelConstraint(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetInput(volume.NewMemorySource(volume.New(volume.Shape{1, 8, 8, 1, 2})))

	res, err := pre.Result()
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, carve.IsDataConstraint(err), "expected a dataset constraint error, got %v", err)
	assert.Contains(t, err.Error(), "channel")
	assert.Nil(t, pre.CachedResult())
	assert.True(t, pre.Dirty())
}

// TestPreprocessorConstantVolumeFails verifies that a constant input
// fails normalization explicitly instead of propagating NaN.
func TestPreprocessorConstantVolumeFails(t *testing.T) {
	t.Parallel()

	flat := volume.New(volume.Shape{1, 10, 10, 1, 1})
	flat.Fill(3.14)
	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(flat))

	var runs []RunRecord
	pre.OnRun(func(rec RunRecord) { runs = append(runs, rec) })

	_, err := pre.Result()
	require.Error(t, err)
	assert.True(t, errors.Is(err, carve.ErrConstantVolume), "got %v", err)
	require.Len(t, runs, 1)
	assert.NotEmpty(t, runs[0].Err)
	assert.True(t, pre.Dirty())
}

// TestPreprocessorFailureKeepsPreviousResult verifies that a failed
// recomputation leaves the previously cached result untouched and the
// state Dirty.
func TestPreprocessorFailureKeepsPreviousResult(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	first, err := pre.Result()
	require.NoError(t, err)

	bad := pre.Parameters()
	bad.Sigma = -1
	pre.SetParameters(bad)

	_, err = pre.Result()
	require.Error(t, err)
	assert.Same(t, first, pre.CachedResult(), "failed build must not replace the cache")
	assert.True(t, pre.Dirty())

	snap, ok := pre.Snapshot()
	require.True(t, ok, "failed build must not clear the snapshot")
	assert.Equal(t, first.Params, snap)
}

// TestPreprocessorNoInput verifies the error for a computation request
// before any input is connected.
func TestPreprocessorNoInput(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	_, err := pre.Result()
	assert.ErrorIs(t, err, ErrNoInput)
}

// TestPreprocessorNotifications verifies the new-result notification
// and the per-attempt run records.
func TestPreprocessorNotifications(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	var results []*Result
	var runs []RunRecord
	pre.OnResult(func(r *Result) { results = append(results, r) })
	pre.OnRun(func(rec RunRecord) { runs = append(runs, rec) })

	res, err := pre.Result()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Same(t, res, results[0])
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Err)
	assert.Equal(t, res.ID, runs[0].ID)
	assert.Greater(t, runs[0].RegionsFinal, uint32(0))
	assert.False(t, runs[0].Finished.Before(runs[0].Started))

	bad := pre.Parameters()
	bad.Sigma = -1
	pre.SetParameters(bad)
	_, err = pre.Result()
	require.Error(t, err)
	assert.Len(t, results, 1, "failed builds must not announce a new result")
	require.Len(t, runs, 2)
	assert.NotEmpty(t, runs[1].Err)
}

// TestPreprocessorClockInjection verifies that an injected clock stamps
// the run record and the result, which is what keeps ledger timestamps
// reproducible in tests.
func TestPreprocessorClockInjection(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0)
	pre := NewPreprocessor(Config{Workers: 1, Clock: timeutil.NewMockClock(at)})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	var rec RunRecord
	pre.OnRun(func(r RunRecord) { rec = r })

	res, err := pre.Result()
	require.NoError(t, err)
	assert.True(t, res.BuiltAt.Equal(at))
	assert.True(t, rec.Started.Equal(at))
	assert.True(t, rec.Finished.Equal(at))
	assert.Equal(t, time.Duration(0), rec.Timings.Filter)
	assert.Equal(t, time.Duration(0), rec.Timings.Watershed)
}

// TestPreprocessorConcurrentResults verifies the at-most-one-build
// guarantee: concurrent callers all receive the same result and the
// stage chain runs once.
func TestPreprocessorConcurrentResults(t *testing.T) {
	t.Parallel()

	graph := &countingGraph{inner: defaultGraph{}}
	pre := NewPreprocessor(Config{Workers: 1, Graph: graph})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(16, 16, 1)))

	const callers = 8
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pre.Result()
			if err != nil {
				t.Errorf("concurrent Result failed: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i], "caller %d saw a different result", i)
	}
	assert.Equal(t, int32(1), graph.calls.Load())
}

// TestPreprocessorOverlayConstraint verifies overlay shape validation.
func TestPreprocessorOverlayConstraint(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	_, err := pre.Result()
	require.NoError(t, err)

	wrong := volume.NewMemorySource(volume.New(volume.Shape{1, 9, 12, 1, 1}))
	err = pre.SetOverlay(wrong)
	require.Error(t, err)
	assert.True(t, carve.IsDataConstraint(err))
	assert.False(t, pre.Dirty(), "a rejected overlay must leave the state alone")

	// Same spatial shape with a different channel count is allowed.
	threeChan := volume.NewMemorySource(volume.New(volume.Shape{1, 12, 12, 1, 3}))
	require.NoError(t, pre.SetOverlay(threeChan))
}

// TestPreprocessorOverlayChangeDirties verifies that replacing the
// overlay invalidates the cached result like any other input slot,
// without the snapshot reset a root input change causes.
func TestPreprocessorOverlayChangeDirties(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	first, err := pre.Result()
	require.NoError(t, err)
	require.False(t, pre.Dirty())

	overlay := volume.NewMemorySource(volume.New(volume.Shape{1, 12, 12, 1, 3}))
	require.NoError(t, pre.SetOverlay(overlay))
	assert.True(t, pre.Dirty(), "overlay change must invalidate the result")

	// The parameter snapshot survives: only a root input change resets it.
	snap, ok := pre.Snapshot()
	require.True(t, ok)
	assert.Equal(t, smoothParams(), snap)

	second, err := pre.Result()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, pre.Dirty())

	// Re-connecting the identical overlay is a no-op.
	require.NoError(t, pre.SetOverlay(overlay))
	assert.False(t, pre.Dirty(), "unchanged overlay must not dirty")

	// Disconnecting is a change like any other.
	require.NoError(t, pre.SetOverlay(nil))
	assert.True(t, pre.Dirty())
}

// TestPreprocessorUnsavedFlag verifies the unsaved-state flag over the
// build / save / rebuild cycle.
func TestPreprocessorUnsavedFlag(t *testing.T) {
	t.Parallel()

	pre := NewPreprocessor(Config{Workers: 1})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))
	assert.False(t, pre.HasUnsavedData())

	_, err := pre.Result()
	require.NoError(t, err)
	assert.True(t, pre.HasUnsavedData())

	pre.MarkSaved()
	assert.False(t, pre.HasUnsavedData())

	params := pre.Parameters()
	params.Sigma = 2.0
	pre.SetParameters(params)
	_, err = pre.Result()
	require.NoError(t, err)
	assert.True(t, pre.HasUnsavedData())
}

// gateGraph blocks inside the graph stage until released, so tests can
// change orchestrator state mid-build deterministically.
type gateGraph struct {
	inner   GraphStage
	entered chan struct{}
	release chan struct{}
}

func (g *gateGraph) BuildGraph(feat *volume.Volume, labels *volume.LabelVolume, obs carve.ProgressObserver) (*carve.RegionGraph, error) {
	close(g.entered)
	<-g.release
	return g.inner.BuildGraph(feat, labels, obs)
}

// TestPreprocessorInputChangeDuringBuild verifies that a build whose
// input was replaced mid-run returns its result to the caller but does
// not publish it: the orchestrator stays Dirty with no cache.
func TestPreprocessorInputChangeDuringBuild(t *testing.T) {
	t.Parallel()

	gate := &gateGraph{
		inner:   defaultGraph{},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	pre := NewPreprocessor(Config{Workers: 1, Graph: gate})
	pre.SetParameters(smoothParams())
	pre.SetInput(volume.NewMemorySource(rampVolume(12, 12, 1)))

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := pre.Result()
		done <- outcome{res, err}
	}()

	<-gate.entered
	pre.SetInput(volume.NewMemorySource(rampVolume(10, 10, 1)))
	close(gate.release)

	got := <-done
	require.NoError(t, got.err)
	require.NotNil(t, got.res)
	assert.Nil(t, pre.CachedResult(), "stale result must not be cached")
	assert.True(t, pre.Dirty())
	_, ok := pre.Snapshot()
	assert.False(t, ok)
}

// TestPreprocessorSmoothed2DVolume runs the full default chain on a
// 50x50 single-slice volume with the smoothed filter at sigma 1 and
// checks that every voxel ends up labeled.
func TestPreprocessorSmoothed2DVolume(t *testing.T) {
	t.Parallel()

	v := volume.New(volume.Shape{1, 50, 50, 1, 1})
	for x := 0; x < 50; x++ {
		for y := 0; y < 50; y++ {
			v.Set(0, x, y, 0, 0, math.Sin(float64(x)*0.37)*math.Cos(float64(y)*0.23))
		}
	}

	pre := NewPreprocessor(Config{Workers: 2})
	pre.SetParameters(carve.Parameters{
		Sigma:           1.0,
		Filter:          carve.FilterSmoothed,
		Agglomerate:     true,
		SizeRegularizer: carve.DefaultSizeRegularizer,
		ReduceTo:        carve.DefaultReduceTo,
	})
	pre.SetInput(volume.NewMemorySource(v))

	res, err := pre.Result()
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Graph.NumRegions(), 1)

	labels := pre.LabelVolume()
	require.NotNil(t, labels)
	for i, la := range labels.Data {
		if la < 1 || la > labels.MaxLabel {
			t.Fatalf("voxel %d has label %d outside [1,%d]", i, la, labels.MaxLabel)
		}
	}

	feat := pre.FilteredVolume()
	require.NotNil(t, feat)
	min, max := feat.MinMax()
	assert.InDelta(t, 0, min, 1e-9)
	assert.InDelta(t, 255, max, 1e-9)
}
