package volume

import (
	"fmt"
	"sync"
)

// Meta carries the shape and axis-tag metadata of a volume source.
type Meta struct {
	Axes  [5]Axis
	Shape Shape
}

// Source is a region-readable tagged volume. ReadRegion returns a
// materialized buffer covering exactly the requested region.
// Subscribers are notified with the affected region whenever upstream
// data changes.
type Source interface {
	Meta() Meta
	ReadRegion(roi ROI) (*Volume, error)
	Subscribe(fn func(ROI))
}

// copyRegion copies roi out of src into a fresh volume of roi.Shape().
func copyRegion(src *Volume, roi ROI) *Volume {
	out := New(roi.Shape())
	out.Axes = src.Axes
	s := src.Shape
	o := out.Shape
	fullC := roi.Begin[4] == 0 && roi.End[4] == s[4]
	di := 0
	for t := roi.Begin[0]; t < roi.End[0]; t++ {
		for x := roi.Begin[1]; x < roi.End[1]; x++ {
			for y := roi.Begin[2]; y < roi.End[2]; y++ {
				if fullC {
					// z runs are contiguous when the full channel
					// extent is requested.
					si := src.Idx(t, x, y, roi.Begin[3], 0)
					n := (roi.End[3] - roi.Begin[3]) * s[4]
					copy(out.Data[di:di+n], src.Data[si:si+n])
					di += n
					continue
				}
				for z := roi.Begin[3]; z < roi.End[3]; z++ {
					si := src.Idx(t, x, y, z, roi.Begin[4])
					n := o[4]
					copy(out.Data[di:di+n], src.Data[si:si+n])
					di += n
				}
			}
		}
	}
	return out
}

// MemorySource serves a whole in-memory volume and publishes a
// whole-volume dirty notification when the volume is replaced.
type MemorySource struct {
	mu   sync.RWMutex
	vol  *Volume
	subs []func(ROI)
}

// NewMemorySource wraps an in-memory volume as a Source.
func NewMemorySource(v *Volume) *MemorySource {
	return &MemorySource{vol: v}
}

// Meta returns the axis tags and shape of the current volume.
func (s *MemorySource) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Meta{Axes: s.vol.Axes, Shape: s.vol.Shape}
}

// ReadRegion materializes the requested region.
func (s *MemorySource) ReadRegion(roi ROI) (*Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !roi.In(s.vol.Shape) {
		return nil, fmt.Errorf("region %v outside volume shape %v", roi, s.vol.Shape)
	}
	return copyRegion(s.vol, roi), nil
}

// Subscribe registers a dirty-region callback.
func (s *MemorySource) Subscribe(fn func(ROI)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// SetData replaces the stored volume and notifies subscribers that the
// whole volume is dirty.
func (s *MemorySource) SetData(v *Volume) {
	s.mu.Lock()
	s.vol = v
	subs := make([]func(ROI), len(s.subs))
	copy(subs, s.subs)
	shape := v.Shape
	s.mu.Unlock()

	dirty := WholeROI(shape)
	for _, fn := range subs {
		fn(dirty)
	}
}

var _ Source = (*MemorySource)(nil)
