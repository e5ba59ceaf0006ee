package carve

import (
	"time"

	"github.com/voxelkit/carve/internal/volume"
)

// checkFilterInput enforces the filter stage contract: canonical axis
// layout with spatial x/y/z, singleton time and channel extents, a
// positive sigma, and a known kind. Violations are integration errors.
func checkFilterInput(v *volume.Volume, kind FilterKind, sigma float64) error {
	if v == nil {
		return preconditionf("filter input volume is nil")
	}
	if !v.CanonicalAxesOK() {
		return preconditionf("filter input axes must be (t,x,y,z,c) with spatial x/y/z")
	}
	if v.Shape[0] != 1 {
		return preconditionf("filter input must have time extent 1, got %d", v.Shape[0])
	}
	if v.Shape[4] != 1 {
		return preconditionf("filter input must have channel extent 1, got %d", v.Shape[4])
	}
	if sigma <= 0 {
		return preconditionf("filter sigma must be > 0, got %v", sigma)
	}
	if !kind.Valid() {
		return preconditionf("unknown filter kind %d", int(kind))
	}
	return nil
}

// FilterVolume computes the response volume for the given kind and
// sigma. The output has the input's 5D shape. When the z extent is 1
// the filter runs in 2D: the singleton axis is dropped for the kernel
// computation and the output is written back at z index 0.
func FilterVolume(v *volume.Volume, kind FilterKind, sigma float64, workers int) (*volume.Volume, error) {
	if err := checkFilterInput(v, kind, sigma); err != nil {
		return nil, err
	}
	start := time.Now()
	nx, ny, nz := v.Shape.Spatial()
	out := volume.New(v.Shape)

	src := v.Data
	if kind == FilterSmoothedInverted {
		// Negate intensities before smoothing.
		src = make([]float64, len(v.Data))
		for i, d := range v.Data {
			src[i] = -d
		}
	}

	var err error
	switch kind {
	case FilterSmoothed, FilterSmoothedInverted:
		err = gaussianSmooth(out.Data, src, nx, ny, nz, sigma, workers)
	case FilterEdgeMagnitude:
		err = gaussianGradientMagnitude(out.Data, src, nx, ny, nz, sigma, workers)
	case FilterRidgeDark:
		err = hessianEigenvalue(out.Data, src, nx, ny, nz, sigma, hessianFirst, workers)
	case FilterRidgeBright:
		err = hessianEigenvalue(out.Data, src, nx, ny, nz, sigma, hessianLast, workers)
	}
	if err != nil {
		return nil, err
	}

	if kind == FilterRidgeBright {
		// The smallest eigenvalue is strongly negative on bright
		// ridges. Invert against the global maximum so ridges read as
		// high barriers instead of deep minima.
		_, max := out.MinMax()
		for i := range out.Data {
			out.Data[i] = max - out.Data[i]
		}
	}

	diagf("filter kind=%s sigma=%g shape=%s workers=%d took=%s",
		kind, sigma, v.Shape, WorkerCount(workers), time.Since(start).Round(time.Microsecond))
	return out, nil
}
