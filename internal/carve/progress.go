package carve

// ProgressObserver receives lifecycle signals from a long computation.
// Begin fires once before any work starts, when the duration is still
// unknown. Update carries a percentage in [0, 100]. Done fires exactly
// once on every exit path, success or failure.
type ProgressObserver interface {
	Begin()
	Update(percent float64)
	Done()
}

// NopProgress discards all signals.
type NopProgress struct{}

func (NopProgress) Begin()         {}
func (NopProgress) Update(float64) {}
func (NopProgress) Done()          {}

// throttledProgress forwards an update only when progress has advanced
// by more than one percentage point since the last forwarded value, or
// has reached 100.
type throttledProgress struct {
	obs  ProgressObserver
	last float64
}

func newThrottledProgress(obs ProgressObserver) *throttledProgress {
	if obs == nil {
		obs = NopProgress{}
	}
	return &throttledProgress{obs: obs, last: -1}
}

func (t *throttledProgress) update(percent float64) {
	if percent-t.last > 1 || percent == 100 {
		t.last = percent
		t.obs.Update(percent)
	}
}
