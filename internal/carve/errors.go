// Package carve implements the carving preprocessing pipeline: filter
// response computation, normalization, watershed over-segmentation with
// optional agglomeration, and region-graph construction.
package carve

import (
	"errors"
	"fmt"
)

// PreconditionError reports a violated internal contract: malformed
// axis layout, wrong time/channel extents, a partial-volume watershed
// request, or an unsupported dimensionality. These indicate integration
// bugs, not bad user data, and abort the computation.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string {
	return "precondition violated: " + e.Msg
}

func preconditionf(format string, args ...interface{}) error {
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

// DataConstraintError reports user data that violates a dataset
// contract (channel count, time points, overlay shape). The category
// groups related constraints for display; the message is meant for the
// user, who can fix the dataset and retry.
type DataConstraintError struct {
	Category string
	Message  string
}

func (e *DataConstraintError) Error() string {
	return e.Category + ": " + e.Message
}

func constraintf(format string, args ...interface{}) error {
	return &DataConstraintError{Category: ConstraintCategory, Message: fmt.Sprintf(format, args...)}
}

// ConstraintCategory tags every dataset-constraint failure raised by
// this pipeline.
const ConstraintCategory = "carving"

// ErrConstantVolume is returned when normalization meets a volume whose
// minimum equals its maximum. Rescaling such a volume would divide by
// zero, so it fails here instead of emitting NaN or Inf values.
var ErrConstantVolume = errors.New("volume is constant, normalization range is empty")

// IsPrecondition reports whether err is (or wraps) a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsDataConstraint reports whether err is (or wraps) a
// DataConstraintError.
func IsDataConstraint(err error) bool {
	var ce *DataConstraintError
	return errors.As(err, &ce)
}
