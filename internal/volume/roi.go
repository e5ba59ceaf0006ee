package volume

import "fmt"

// ROI is a half-open region [Begin, End) in canonical axis order.
type ROI struct {
	Begin [5]int
	End   [5]int
}

// WholeROI returns the ROI covering an entire volume of the given shape.
func WholeROI(s Shape) ROI {
	var r ROI
	for i := range s {
		r.End[i] = s[i]
	}
	return r
}

// Shape returns the per-axis extents of the region.
func (r ROI) Shape() Shape {
	var s Shape
	for i := range s {
		s[i] = r.End[i] - r.Begin[i]
	}
	return s
}

// IsWhole reports whether the region covers a volume of shape s exactly.
func (r ROI) IsWhole(s Shape) bool {
	for i := range s {
		if r.Begin[i] != 0 || r.End[i] != s[i] {
			return false
		}
	}
	return true
}

// In reports whether the region lies inside a volume of shape s.
func (r ROI) In(s Shape) bool {
	for i := range s {
		if r.Begin[i] < 0 || r.End[i] > s[i] || r.Begin[i] >= r.End[i] {
			return false
		}
	}
	return true
}

// Intersect clips the region against other. The second return is false
// when the regions do not overlap.
func (r ROI) Intersect(other ROI) (ROI, bool) {
	var out ROI
	for i := 0; i < 5; i++ {
		out.Begin[i] = maxInt(r.Begin[i], other.Begin[i])
		out.End[i] = minInt(r.End[i], other.End[i])
		if out.Begin[i] >= out.End[i] {
			return ROI{}, false
		}
	}
	return out, true
}

func (r ROI) String() string {
	return fmt.Sprintf("[%v,%v)", r.Begin, r.End)
}

// SpatialBlocks tiles the x/y/z extent of shape s into cubes of the
// given edge length (the t and c axes stay whole). Blocks at the far
// faces are clipped to the volume. Edge lengths below 1 are treated
// as 1.
func SpatialBlocks(s Shape, edge int) []ROI {
	if edge < 1 {
		edge = 1
	}
	nx, ny, nz := s.Spatial()
	var blocks []ROI
	for x := 0; x < nx; x += edge {
		for y := 0; y < ny; y += edge {
			for z := 0; z < nz; z += edge {
				r := ROI{
					Begin: [5]int{0, x, y, z, 0},
					End:   [5]int{s[0], minInt(x+edge, nx), minInt(y+edge, ny), minInt(z+edge, nz), s[4]},
				}
				blocks = append(blocks, r)
			}
		}
	}
	return blocks
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
