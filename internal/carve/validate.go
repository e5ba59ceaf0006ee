package carve

import "github.com/voxelkit/carve/internal/volume"

// CheckDatasetConstraints validates the root input against the user
// data contracts. These are correctable by fixing the dataset, unlike
// the precondition checks inside the stages.
func CheckDatasetConstraints(meta volume.Meta) error {
	if meta.Shape[4] != 1 {
		return constraintf("the input volume must have exactly one channel, got %d", meta.Shape[4])
	}
	if meta.Shape[0] != 1 {
		return constraintf("the input volume must have exactly one time point, got %d", meta.Shape[0])
	}
	return nil
}

// CheckOverlayConstraint validates an optional overlay volume against
// the raw input: shapes must match apart from the channel count.
func CheckOverlayConstraint(raw, overlay volume.Meta) error {
	if !raw.Shape.EqualIgnoringChannel(overlay.Shape) {
		return constraintf("the overlay volume shape %s does not match the raw input shape %s (channels ignored)", overlay.Shape, raw.Shape)
	}
	return nil
}
