package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/timeutil"
	"github.com/voxelkit/carve/internal/volume"
)

// ErrNoInput is returned by Result when no input volume is connected.
var ErrNoInput = errors.New("no input volume connected")

// StageTimings records wall-clock duration per stage of one computation.
// A zero duration means the stage's output was reused from cache.
type StageTimings struct {
	Filter    time.Duration `json:"filter"`
	Normalize time.Duration `json:"normalize"`
	Watershed time.Duration `json:"watershed"`
	Graph     time.Duration `json:"graph"`
}

// Result is one completed preprocessing computation: the region graph
// plus the exact parameters and input version it was built from. A
// Result is immutable once published; the orchestrator replaces it
// wholesale, never mutates it in place.
type Result struct {
	ID           uuid.UUID          `json:"id"`
	Graph        *carve.RegionGraph `json:"-"`
	Params       carve.Parameters   `json:"params"`
	InputVersion uuid.UUID          `json:"input_version"`
	BuiltAt      time.Time          `json:"built_at"`
	Timings      StageTimings       `json:"timings"`
}

// RunRecord summarizes one computation attempt, successful or not, for
// the run ledger.
type RunRecord struct {
	ID             uuid.UUID        `json:"id"`
	InputVersion   uuid.UUID        `json:"input_version"`
	Params         carve.Parameters `json:"params"`
	Shape          volume.Shape     `json:"shape"`
	Started        time.Time        `json:"started"`
	Finished       time.Time        `json:"finished"`
	Timings        StageTimings     `json:"timings"`
	RegionsInitial uint32           `json:"regions_initial"`
	RegionsFinal   uint32           `json:"regions_final"`
	EdgeCount      int              `json:"edge_count"`
	RegionSizes    []uint32         `json:"region_sizes,omitempty"`
	Err            string           `json:"err,omitempty"`
}

// featEntry caches the normalized response volume for one combination
// of input version, sigma and filter kind.
type featEntry struct {
	version uuid.UUID
	sigma   float64
	kind    carve.FilterKind
	vol     *volume.Volume
}

func (e *featEntry) matches(version uuid.UUID, p carve.Parameters) bool {
	return e.version == version && e.sigma == p.Sigma && e.kind == p.Filter
}

// labelEntry caches the watershed labelling for one full parameter set.
type labelEntry struct {
	version uuid.UUID
	params  carve.Parameters
	labels  *volume.LabelVolume
	initial uint32
}

func (e *labelEntry) matches(version uuid.UUID, p carve.Parameters) bool {
	return e.version == version && e.params == p
}

// Config holds dependencies for a Preprocessor. Zero values select
// defaults.
type Config struct {
	// Workers caps the worker pools used by the filter and watershed
	// stages. Zero or negative selects one worker per available CPU.
	Workers int

	// BlockEdge is the block side length for the input read cache.
	// Zero selects volume.DefaultBlockEdge.
	BlockEdge int

	// Progress receives graph-build progress events. Nil disables
	// reporting.
	Progress carve.ProgressObserver

	// Clock supplies timestamps. Nil selects the wall clock.
	Clock timeutil.Clock

	// Stage overrides for testing. Nil selects the default stages.
	Filter    FilterStage
	Normalize NormalizationStage
	Watershed WatershedStage
	Graph     GraphStage
}

// Preprocessor owns the pipeline parameters, runs the stage chain on
// demand and memoizes the result.
//
// It is a two-state machine. Clean: the cached result's parameter
// snapshot matches the live parameters and the current input, and
// Result returns it without recomputation. Dirty: a parameter or input
// changed since the cache was built, and the next Result call reruns
// the stage chain. The dirty flag is cleared only by a successful
// recomputation. Initial state: Dirty with no cache.
type Preprocessor struct {
	workers   int
	blockEdge int
	progress  carve.ProgressObserver
	clock     timeutil.Clock

	filter    FilterStage
	normalize NormalizationStage
	watershed WatershedStage
	graph     GraphStage

	// buildMu serializes the expensive stage chain so it runs at most
	// once per dirty transition; concurrent Result callers wait here
	// and then reuse the freshly published cache.
	buildMu sync.Mutex

	mu           sync.RWMutex
	input        *volume.BlockCache
	inputVersion uuid.UUID
	overlay      volume.Source
	params       carve.Parameters  // live, edited through setters
	snapshot     *carve.Parameters // parameters of the cached result; nil = unset
	cache        *Result
	dirty        bool
	hasUnsaved   bool
	feat         *featEntry
	labels       *labelEntry
	onResult     []func(*Result)
	onRun        []func(RunRecord)
}

// NewPreprocessor creates a Preprocessor with default parameters and
// no input connected.
func NewPreprocessor(cfg Config) *Preprocessor {
	p := &Preprocessor{
		workers:   cfg.Workers,
		blockEdge: cfg.BlockEdge,
		progress:  cfg.Progress,
		clock:     cfg.Clock,
		filter:    cfg.Filter,
		normalize: cfg.Normalize,
		watershed: cfg.Watershed,
		graph:     cfg.Graph,
		params:    carve.DefaultParameters(),
		dirty:     true,
	}
	if p.workers <= 0 {
		p.workers = carve.DefaultWorkers()
	}
	if p.clock == nil {
		p.clock = timeutil.RealClock{}
	}
	if p.filter == nil {
		p.filter = defaultFilter{}
	}
	if p.normalize == nil {
		p.normalize = defaultNormalize{}
	}
	if p.watershed == nil {
		p.watershed = defaultWatershed{}
	}
	if p.graph == nil {
		p.graph = defaultGraph{}
	}
	return p
}

// SetInput connects the root input volume, wrapping it in a block read
// cache. Everything derived from the previous input — the parameter
// snapshot, the cached result, the intermediate volumes — is discarded:
// a changed root input is a full restart, not a stale-cache situation.
func (p *Preprocessor) SetInput(src volume.Source) {
	cache := volume.NewBlockCache(src, p.blockEdge)

	p.mu.Lock()
	p.input = cache
	p.resetForNewInputLocked()
	p.mu.Unlock()

	// Subscribe after the swap: the reset above already covers any
	// notification that would have fired in between.
	cache.Subscribe(p.onInputDirty)
	diagf("input connected: shape %s", cache.Meta().Shape)
}

// SetOverlay connects or replaces the optional overlay volume shown
// alongside the raw data. Its shape must match the input's, ignoring
// the channel extent. Pass nil to disconnect. A changed overlay marks
// the state dirty like any other input slot, but it does not reset the
// parameter snapshot or drop intermediates; only the root input does
// that.
func (p *Preprocessor) SetOverlay(src volume.Source) error {
	p.mu.RLock()
	input := p.input
	p.mu.RUnlock()

	if src != nil && input != nil {
		if err := carve.CheckOverlayConstraint(input.Meta(), src.Meta()); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.overlay != src {
		p.overlay = src
		p.dirty = true
	}
	p.mu.Unlock()
	return nil
}

// SetParameters replaces the live parameters. Setting values identical
// to the current ones is a no-op and does not invalidate the cache.
// Validation happens when a computation starts, not here: invalid
// values fail the next build and leave any previous result in place.
func (p *Preprocessor) SetParameters(next carve.Parameters) {
	p.mutateParameters(func(q *carve.Parameters) { *q = next })
}

// SetSigma updates the filter scale.
func (p *Preprocessor) SetSigma(sigma float64) {
	p.mutateParameters(func(q *carve.Parameters) { q.Sigma = sigma })
}

// SetFilterKind updates the response operator.
func (p *Preprocessor) SetFilterKind(kind carve.FilterKind) {
	p.mutateParameters(func(q *carve.Parameters) { q.Filter = kind })
}

// SetAgglomerate toggles region agglomeration after the watershed.
func (p *Preprocessor) SetAgglomerate(on bool) {
	p.mutateParameters(func(q *carve.Parameters) { q.Agglomerate = on })
}

// SetSizeRegularizer updates the agglomeration size term weight.
func (p *Preprocessor) SetSizeRegularizer(sr float64) {
	p.mutateParameters(func(q *carve.Parameters) { q.SizeRegularizer = sr })
}

// SetReduceTo updates the agglomeration target region fraction.
func (p *Preprocessor) SetReduceTo(rt float64) {
	p.mutateParameters(func(q *carve.Parameters) { q.ReduceTo = rt })
}

func (p *Preprocessor) mutateParameters(mut func(*carve.Parameters)) {
	p.mu.Lock()
	next := p.params
	mut(&next)
	if p.params == next {
		p.mu.Unlock()
		return
	}
	prev := p.params
	p.params = next
	p.dirty = true
	p.mu.Unlock()
	diagf("parameters changed: %s -> %s", prev, next)
}

// Parameters returns the live parameter values.
func (p *Preprocessor) Parameters() carve.Parameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

// Snapshot returns the parameter snapshot of the cached result and
// whether one exists. The snapshot is unset until the first successful
// computation and after every root-input change.
func (p *Preprocessor) Snapshot() (carve.Parameters, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snapshot == nil {
		return carve.Parameters{}, false
	}
	return *p.snapshot, true
}

// Dirty reports whether the cached result is stale or missing.
func (p *Preprocessor) Dirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// HasUnsavedData reports whether a result newer than the last MarkSaved
// call exists. Persistence itself lives outside this package.
func (p *Preprocessor) HasUnsavedData() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasUnsaved
}

// MarkSaved clears the unsaved-state flag.
func (p *Preprocessor) MarkSaved() {
	p.mu.Lock()
	p.hasUnsaved = false
	p.mu.Unlock()
}

// InputVersion returns the identity of the current input data. A new
// version is assigned whenever the input is replaced or reports a
// dirty region.
func (p *Preprocessor) InputVersion() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inputVersion
}

// InputMeta returns the connected input's metadata, if any.
func (p *Preprocessor) InputMeta() (volume.Meta, bool) {
	p.mu.RLock()
	input := p.input
	p.mu.RUnlock()
	if input == nil {
		return volume.Meta{}, false
	}
	return input.Meta(), true
}

// InputCacheStats returns the block read cache counters, if an input is
// connected.
func (p *Preprocessor) InputCacheStats() (hits, misses int64, blocks int, ok bool) {
	p.mu.RLock()
	input := p.input
	p.mu.RUnlock()
	if input == nil {
		return 0, 0, 0, false
	}
	hits, misses, blocks = input.Stats()
	return hits, misses, blocks, true
}

// CachedResult returns the current result without triggering a
// computation. It may be stale (Dirty) or nil.
func (p *Preprocessor) CachedResult() *Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache
}

// FilteredVolume returns the cached normalized response volume when it
// matches the current input and parameters, else nil. Callers must not
// modify the returned volume.
func (p *Preprocessor) FilteredVolume() *volume.Volume {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.feat == nil || !p.feat.matches(p.inputVersion, p.params) {
		return nil
	}
	return p.feat.vol
}

// LabelVolume returns the cached watershed labelling when it matches
// the current input and parameters, else nil. Callers must not modify
// the returned volume.
func (p *Preprocessor) LabelVolume() *volume.LabelVolume {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.labels == nil || !p.labels.matches(p.inputVersion, p.params) {
		return nil
	}
	return p.labels.labels
}

// OnResult registers a callback fired after each newly published
// result. Callbacks run on the building goroutine and must not call
// back into the Preprocessor.
func (p *Preprocessor) OnResult(fn func(*Result)) {
	p.mu.Lock()
	p.onResult = append(p.onResult, fn)
	p.mu.Unlock()
}

// OnRun registers a callback fired after every computation attempt,
// including failed ones. Callbacks run on the building goroutine and
// must not call back into the Preprocessor.
func (p *Preprocessor) OnRun(fn func(RunRecord)) {
	p.mu.Lock()
	p.onRun = append(p.onRun, fn)
	p.mu.Unlock()
}

// Result returns the current region graph, computing it first when the
// state is Dirty. The call is synchronous: it blocks until the chain
// completes or fails. There is no cancellation; a running build goes to
// completion. Any failure leaves the previously cached result untouched
// and the state Dirty.
func (p *Preprocessor) Result() (*Result, error) {
	if res, ok := p.cached(); ok {
		return res, nil
	}

	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	// A concurrent caller may have finished the build while this one
	// waited for the build lock.
	if res, ok := p.cached(); ok {
		return res, nil
	}

	p.mu.RLock()
	input := p.input
	overlay := p.overlay
	params := p.params
	version := p.inputVersion
	feat := p.feat
	labels := p.labels
	p.mu.RUnlock()

	if input == nil {
		return nil, ErrNoInput
	}

	out, rec, err := p.runBuild(input, overlay, params, version, feat, labels)
	if err != nil {
		rec.Err = err.Error()
		opsf("build %s failed after %s: %v", rec.ID, rec.Finished.Sub(rec.Started), err)
		p.notifyRun(rec)
		return nil, err
	}

	p.publish(out, rec)
	return out.res, nil
}

func (p *Preprocessor) cached() (*Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.dirty && p.cache != nil {
		return p.cache, true
	}
	return nil, false
}

// buildOutput carries a finished computation to publication, including
// the overlay the build ran against so publication can tell whether it
// moved on in the meantime.
type buildOutput struct {
	res     *Result
	feat    *featEntry
	labels  *labelEntry
	overlay volume.Source
}

// runBuild executes the stage chain outside the state lock. Dataset
// constraints are checked first so user-correctable input problems
// surface before any work happens.
func (p *Preprocessor) runBuild(input, overlay volume.Source, params carve.Parameters, version uuid.UUID, feat *featEntry, labels *labelEntry) (out *buildOutput, rec RunRecord, err error) {
	rec = RunRecord{
		ID:           uuid.New(),
		InputVersion: version,
		Params:       params,
		Started:      p.clock.Now(),
	}
	defer func() { rec.Finished = p.clock.Now() }()

	meta := input.Meta()
	rec.Shape = meta.Shape
	diagf("build %s started: shape %s, %s", rec.ID, meta.Shape, params)

	if err = carve.CheckDatasetConstraints(meta); err != nil {
		return nil, rec, err
	}
	if overlay != nil {
		if err = carve.CheckOverlayConstraint(meta, overlay.Meta()); err != nil {
			return nil, rec, err
		}
	}
	if err = params.Validate(); err != nil {
		return nil, rec, fmt.Errorf("invalid parameters: %w", err)
	}

	whole := volume.WholeROI(meta.Shape)

	var featVol *volume.Volume
	if feat != nil && feat.matches(version, params) {
		featVol = feat.vol
		tracef("build %s: response volume reused", rec.ID)
	} else {
		raw, rerr := input.ReadRegion(whole)
		if rerr != nil {
			return nil, rec, fmt.Errorf("read input volume: %w", rerr)
		}

		t0 := p.clock.Now()
		featVol, err = p.filter.Filter(raw, params.Filter, params.Sigma, p.workers)
		if err != nil {
			return nil, rec, err
		}
		rec.Timings.Filter = p.clock.Since(t0)

		t0 = p.clock.Now()
		if err = p.normalize.Normalize(featVol); err != nil {
			return nil, rec, err
		}
		rec.Timings.Normalize = p.clock.Since(t0)
		feat = &featEntry{version: version, sigma: params.Sigma, kind: params.Filter, vol: featVol}
	}

	var labelVol *volume.LabelVolume
	if labels != nil && labels.matches(version, params) {
		labelVol = labels.labels
		rec.RegionsInitial = labels.initial
		tracef("build %s: label volume reused", rec.ID)
	} else {
		t0 := p.clock.Now()
		lv, initial, serr := p.watershed.Segment(featVol, whole, params, p.workers)
		if serr != nil {
			return nil, rec, serr
		}
		rec.Timings.Watershed = p.clock.Since(t0)
		rec.RegionsInitial = initial
		labelVol = lv
		labels = &labelEntry{version: version, params: params, labels: labelVol, initial: initial}
	}

	t0 := p.clock.Now()
	graph, gerr := p.graph.BuildGraph(featVol, labelVol, p.progress)
	if gerr != nil {
		return nil, rec, gerr
	}
	rec.Timings.Graph = p.clock.Since(t0)
	rec.RegionsFinal = graph.MaxLabel()
	rec.EdgeCount = graph.NumEdges()
	rec.RegionSizes = make([]uint32, 0, graph.NumRegions())
	for _, region := range graph.Regions() {
		rec.RegionSizes = append(rec.RegionSizes, uint32(region.Size))
	}

	out = &buildOutput{
		res: &Result{
			ID:           rec.ID,
			Graph:        graph,
			Params:       params,
			InputVersion: version,
			BuiltAt:      rec.Started,
			Timings:      rec.Timings,
		},
		feat:    feat,
		labels:  labels,
		overlay: overlay,
	}
	return out, rec, nil
}

// publish atomically swaps in the new result. The cache is replaced
// wholesale, never mutated, so concurrent readers observe either the
// previous result or the fully built new one. A result whose input was
// replaced mid-build is returned to its caller but not cached.
func (p *Preprocessor) publish(out *buildOutput, rec RunRecord) {
	p.mu.Lock()
	published := p.inputVersion == out.res.InputVersion
	if published {
		p.feat = out.feat
		p.labels = out.labels
		p.cache = out.res
		snap := out.res.Params
		p.snapshot = &snap
		// The parameters or the overlay may have moved on while the
		// build ran; if so the new cache is already stale.
		p.dirty = p.params != out.res.Params || p.overlay != out.overlay
		p.hasUnsaved = true
	}
	resultSubs := append([]func(*Result){}, p.onResult...)
	runSubs := append([]func(RunRecord){}, p.onRun...)
	p.mu.Unlock()

	if published {
		diagf("build %s done in %s: %d regions (%d before agglomeration), %d edges",
			rec.ID, rec.Finished.Sub(rec.Started), rec.RegionsFinal, rec.RegionsInitial, rec.EdgeCount)
		for _, fn := range resultSubs {
			fn(out.res)
		}
	} else {
		diagf("build %s done but input changed during the run; result not cached", rec.ID)
	}
	for _, fn := range runSubs {
		fn(rec)
	}
}

func (p *Preprocessor) notifyRun(rec RunRecord) {
	p.mu.RLock()
	runSubs := append([]func(RunRecord){}, p.onRun...)
	p.mu.RUnlock()
	for _, fn := range runSubs {
		fn(rec)
	}
}

// resetForNewInputLocked discards all state derived from the previous
// input. Callers hold p.mu.
func (p *Preprocessor) resetForNewInputLocked() {
	p.inputVersion = uuid.New()
	p.snapshot = nil
	p.cache = nil
	p.feat = nil
	p.labels = nil
	p.dirty = true
}

// onInputDirty handles dirty-region notifications from the input. Any
// change to the root input data invalidates every derived artifact.
func (p *Preprocessor) onInputDirty(dirty volume.ROI) {
	p.mu.Lock()
	p.resetForNewInputLocked()
	p.mu.Unlock()
	diagf("input data changed in %v; derived state discarded", dirty)
}
