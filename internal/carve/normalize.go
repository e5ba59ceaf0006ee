package carve

import (
	"fmt"

	"github.com/voxelkit/carve/internal/volume"
)

// NormalizeVolume linearly rescales v in place so its global minimum
// maps to 0 and its global maximum to 255. The whole volume is scanned
// for the range before any element is rewritten, and the existing
// buffer is reused rather than allocating a second full-size volume.
// A constant volume has no usable range and fails with
// ErrConstantVolume instead of producing NaN or Inf values.
func NormalizeVolume(v *volume.Volume) error {
	if v == nil || len(v.Data) == 0 {
		return preconditionf("normalize input volume is nil or empty")
	}
	min, max := v.MinMax()
	if min == max {
		opsf("normalize: constant volume (value %g), cannot rescale", min)
		return fmt.Errorf("normalize volume: %w", ErrConstantVolume)
	}
	scale := 255 / (max - min)
	for i, d := range v.Data {
		v.Data[i] = (d - min) * scale
	}
	tracef("normalize: range [%g, %g] rescaled to [0, 255]", min, max)
	return nil
}
