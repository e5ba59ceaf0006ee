// Package volume provides dense 5D tagged volumes in canonical
// (t, x, y, z, c) axis order, region-of-interest arithmetic, and a
// block-cached region-read substrate for the carving pipeline.
package volume

import "fmt"

// Axis keys in canonical order.
const (
	KeyT byte = 't'
	KeyX byte = 'x'
	KeyY byte = 'y'
	KeyZ byte = 'z'
	KeyC byte = 'c'
)

// Axis describes one dimension of a tagged volume.
type Axis struct {
	Key     byte // 't','x','y','z','c'
	Spatial bool // true for x/y/z
}

// CanonicalAxes returns the five axes in (t,x,y,z,c) order with the
// x/y/z axes flagged spatial.
func CanonicalAxes() [5]Axis {
	return [5]Axis{
		{Key: KeyT},
		{Key: KeyX, Spatial: true},
		{Key: KeyY, Spatial: true},
		{Key: KeyZ, Spatial: true},
		{Key: KeyC},
	}
}

// Shape holds per-axis extents in canonical (t,x,y,z,c) order.
type Shape [5]int

// Len returns the number of elements a volume of this shape holds.
func (s Shape) Len() int {
	n := 1
	for _, e := range s {
		n *= e
	}
	return n
}

// Equal reports whether two shapes match on every axis.
func (s Shape) Equal(o Shape) bool { return s == o }

// EqualIgnoringChannel reports whether two shapes match on every axis
// except the channel axis. Overlay volumes are compared this way.
func (s Shape) EqualIgnoringChannel(o Shape) bool {
	return s[0] == o[0] && s[1] == o[1] && s[2] == o[2] && s[3] == o[3]
}

// Spatial returns the (x, y, z) extents.
func (s Shape) Spatial() (nx, ny, nz int) { return s[1], s[2], s[3] }

// String renders the extents spatial-first (x,y,z,t,c), which reads
// naturally for the common single-timepoint single-channel case.
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%dx%dx%d", s[1], s[2], s[3], s[0], s[4])
}

// Volume is a dense real-valued 5D array. Data is row-major in
// canonical axis order with the channel axis fastest:
//
//	idx = c + C*(z + Z*(y + Y*(x + X*t)))
type Volume struct {
	Axes  [5]Axis
	Shape Shape
	Data  []float64
}

// New allocates a zeroed volume of the given shape with canonical axes.
func New(shape Shape) *Volume {
	return &Volume{
		Axes:  CanonicalAxes(),
		Shape: shape,
		Data:  make([]float64, shape.Len()),
	}
}

// Idx converts 5D coordinates to a flat Data index.
func (v *Volume) Idx(t, x, y, z, c int) int {
	s := v.Shape
	return c + s[4]*(z+s[3]*(y+s[2]*(x+s[1]*t)))
}

// At returns the element at the given 5D coordinates.
func (v *Volume) At(t, x, y, z, c int) float64 { return v.Data[v.Idx(t, x, y, z, c)] }

// Set stores val at the given 5D coordinates.
func (v *Volume) Set(t, x, y, z, c int, val float64) { v.Data[v.Idx(t, x, y, z, c)] = val }

// Clone returns a deep copy sharing no storage with v.
func (v *Volume) Clone() *Volume {
	out := &Volume{Axes: v.Axes, Shape: v.Shape, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Fill sets every element to val.
func (v *Volume) Fill(val float64) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// MinMax returns the global minimum and maximum over all elements.
// The volume must be non-empty.
func (v *Volume) MinMax() (min, max float64) {
	min, max = v.Data[0], v.Data[0]
	for _, d := range v.Data[1:] {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return min, max
}

// CanonicalAxesOK reports whether the axes are exactly (t,x,y,z,c) with
// x/y/z flagged spatial.
func (v *Volume) CanonicalAxesOK() bool {
	return v.Axes == CanonicalAxes()
}

// LabelVolume is a dense unsigned-integer label volume using the same
// layout and indexing as Volume. Labels are in [1, MaxLabel] once a
// watershed pass has run.
type LabelVolume struct {
	Shape    Shape
	Data     []uint32
	MaxLabel uint32
}

// NewLabels allocates a zeroed label volume of the given shape.
func NewLabels(shape Shape) *LabelVolume {
	return &LabelVolume{Shape: shape, Data: make([]uint32, shape.Len())}
}

// Idx converts 5D coordinates to a flat Data index.
func (l *LabelVolume) Idx(t, x, y, z, c int) int {
	s := l.Shape
	return c + s[4]*(z+s[3]*(y+s[2]*(x+s[1]*t)))
}

// At returns the label at the given 5D coordinates.
func (l *LabelVolume) At(t, x, y, z, c int) uint32 { return l.Data[l.Idx(t, x, y, z, c)] }

// Clone returns a deep copy sharing no storage with l.
func (l *LabelVolume) Clone() *LabelVolume {
	out := &LabelVolume{Shape: l.Shape, Data: make([]uint32, len(l.Data)), MaxLabel: l.MaxLabel}
	copy(out.Data, l.Data)
	return out
}
