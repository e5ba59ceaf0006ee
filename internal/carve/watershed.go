package carve

import (
	"sort"
	"time"

	"github.com/voxelkit/carve/internal/volume"
)

// spatialGrid describes the squeezed spatial layout of a volume whose
// time and channel axes are singletons: the non-singleton extents and
// their strides into the flat data slice.
type spatialGrid struct {
	extents []int
	strides []int
}

func newSpatialGrid(s volume.Shape) spatialGrid {
	nx, ny, nz := s.Spatial()
	full := []struct{ extent, stride int }{
		{nx, ny * nz},
		{ny, nz},
		{nz, 1},
	}
	var g spatialGrid
	for _, a := range full {
		if a.extent > 1 {
			g.extents = append(g.extents, a.extent)
			g.strides = append(g.strides, a.stride)
		}
	}
	return g
}

// dims returns the squeezed dimensionality.
func (g spatialGrid) dims() int { return len(g.extents) }

// neighbors appends the flat indices adjacent to idx (2*dims
// face neighbors) to buf and returns it.
func (g spatialGrid) neighbors(idx int, buf []int) []int {
	buf = buf[:0]
	rem := idx
	for d := 0; d < len(g.extents); d++ {
		coord := rem / g.strides[d]
		rem %= g.strides[d]
		if coord > 0 {
			buf = append(buf, idx-g.strides[d])
		}
		if coord < g.extents[d]-1 {
			buf = append(buf, idx+g.strides[d])
		}
	}
	return buf
}

// checkWatershedInput enforces the watershed contract: a whole-volume
// request over a canonical volume whose squeezed spatial extent is 2-
// or 3-dimensional.
func checkWatershedInput(feat *volume.Volume, roi volume.ROI) error {
	if feat == nil {
		return preconditionf("watershed input volume is nil")
	}
	if feat.Shape[0] != 1 || feat.Shape[4] != 1 {
		return preconditionf("watershed input must have singleton time and channel axes, got shape %s", feat.Shape)
	}
	if !roi.IsWhole(feat.Shape) {
		return preconditionf("watershed must be run on the entire volume, got region %v of shape %s", roi, feat.Shape)
	}
	if d := newSpatialGrid(feat.Shape).dims(); d != 2 && d != 3 {
		return preconditionf("watershed needs 2 or 3 spatial dimensions after squeezing, got %d (shape %s)", d, feat.Shape)
	}
	return nil
}

// minimumCandidates marks every voxel that has no strictly lower
// neighbor. Only such voxels can seed a new basin, so the flood's
// new-label scan is restricted to them. The scan runs block-parallel:
// blocks write disjoint slices of the mask.
func minimumCandidates(feat *volume.Volume, grid spatialGrid, workers int) ([]bool, error) {
	mask := make([]bool, len(feat.Data))
	blocks := volume.SpatialBlocks(feat.Shape, volume.DefaultBlockEdge)
	err := runBlocks(workers, blocks, func(b volume.ROI) error {
		nbuf := make([]int, 0, 6)
		for x := b.Begin[1]; x < b.End[1]; x++ {
			for y := b.Begin[2]; y < b.End[2]; y++ {
				for z := b.Begin[3]; z < b.End[3]; z++ {
					idx := feat.Idx(0, x, y, z, 0)
					v := feat.Data[idx]
					lower := false
					for _, n := range grid.neighbors(idx, nbuf) {
						if feat.Data[n] < v {
							lower = true
							break
						}
					}
					mask[idx] = !lower
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mask, nil
}

// WatershedVolume floods the feature volume into labeled basins. The
// request must cover the entire volume: flooding decides connectivity
// globally, so partial regions are rejected. Every voxel receives a
// label in [1, MaxLabel]; labels are contiguous from 1. The label
// buffer keeps the input's canonical 5D shape, so the 2D (singleton z)
// and 3D cases land at the correct spatial indices.
func WatershedVolume(feat *volume.Volume, roi volume.ROI, workers int) (*volume.LabelVolume, error) {
	if err := checkWatershedInput(feat, roi); err != nil {
		return nil, err
	}
	start := time.Now()
	grid := newSpatialGrid(feat.Shape)
	n := len(feat.Data)

	seedable, err := minimumCandidates(feat, grid, workers)
	if err != nil {
		return nil, err
	}
	candidates := 0
	for _, s := range seedable {
		if s {
			candidates++
		}
	}
	tracef("watershed: %d/%d voxels are minimum candidates", candidates, n)

	// Ascending sweep order.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		va, vb := feat.Data[order[a]], feat.Data[order[b]]
		if va != vb {
			return va < vb
		}
		return order[a] < order[b]
	})

	out := volume.NewLabels(feat.Shape)
	labels := out.Data
	var next uint32
	queue := make([]int, 0, 1024)
	nbuf := make([]int, 0, 6)

	// Process one equal-value level at a time: first grow existing
	// basins across the level, then any untouched plateau is a fresh
	// minimum and seeds a new basin.
	for lo := 0; lo < n; {
		v := feat.Data[order[lo]]
		hi := lo
		for hi < n && feat.Data[order[hi]] == v {
			hi++
		}

		queue = queue[:0]
		for k := lo; k < hi; k++ {
			idx := order[k]
			if labels[idx] != 0 {
				continue
			}
			for _, nb := range grid.neighbors(idx, nbuf) {
				if labels[nb] != 0 {
					labels[idx] = labels[nb]
					queue = append(queue, idx)
					break
				}
			}
		}
		for qi := 0; qi < len(queue); qi++ {
			idx := queue[qi]
			for _, nb := range grid.neighbors(idx, nbuf) {
				if labels[nb] == 0 && feat.Data[nb] == v {
					labels[nb] = labels[idx]
					queue = append(queue, nb)
				}
			}
		}

		for k := lo; k < hi; k++ {
			idx := order[k]
			if labels[idx] != 0 || !seedable[idx] {
				continue
			}
			next++
			labels[idx] = next
			queue = queue[:0]
			queue = append(queue, idx)
			for qi := 0; qi < len(queue); qi++ {
				cur := queue[qi]
				for _, nb := range grid.neighbors(cur, nbuf) {
					if labels[nb] == 0 && feat.Data[nb] == v {
						labels[nb] = next
						queue = append(queue, nb)
					}
				}
			}
		}
		lo = hi
	}

	out.MaxLabel = next
	diagf("watershed: %d regions over shape=%s (%dD) took=%s",
		next, feat.Shape, grid.dims(), time.Since(start).Round(time.Microsecond))
	return out, nil
}

// SegmentVolume runs the watershed stage: flooding plus, when enabled,
// agglomeration of small adjacent regions toward
// ReduceTo * initial region count. The second return is the region
// count before agglomeration.
func SegmentVolume(feat *volume.Volume, roi volume.ROI, p Parameters, workers int) (*volume.LabelVolume, uint32, error) {
	labels, err := WatershedVolume(feat, roi, workers)
	if err != nil {
		return nil, 0, err
	}
	initial := labels.MaxLabel
	if !p.Agglomerate {
		return labels, initial, nil
	}
	merged, err := AgglomerateLabels(feat, labels, p.SizeRegularizer, p.ReduceTo)
	if err != nil {
		return nil, 0, err
	}
	return merged, initial, nil
}
