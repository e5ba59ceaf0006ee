package carve

import (
	"fmt"
	"strings"
	"testing"

	"github.com/voxelkit/carve/internal/volume"
)

func metaOf(shape volume.Shape) volume.Meta {
	return volume.Meta{Axes: volume.CanonicalAxes(), Shape: shape}
}

func TestCheckDatasetConstraints(t *testing.T) {
	if err := CheckDatasetConstraints(metaOf(volume.Shape{1, 40, 40, 10, 1})); err != nil {
		t.Fatalf("valid dataset rejected: %v", err)
	}

	err := CheckDatasetConstraints(metaOf(volume.Shape{1, 40, 40, 10, 3}))
	if err == nil {
		t.Fatal("multi-channel dataset accepted")
	}
	if !IsDataConstraint(err) {
		t.Errorf("err = %v, want a data constraint", err)
	}
	if !strings.Contains(err.Error(), "channel") {
		t.Errorf("error %q does not mention the channel count", err)
	}

	err = CheckDatasetConstraints(metaOf(volume.Shape{4, 40, 40, 10, 1}))
	if err == nil {
		t.Fatal("multi-timepoint dataset accepted")
	}
	if !IsDataConstraint(err) {
		t.Errorf("err = %v, want a data constraint", err)
	}
	if !strings.Contains(err.Error(), "time") {
		t.Errorf("error %q does not mention time points", err)
	}
}

func TestCheckOverlayConstraint(t *testing.T) {
	raw := metaOf(volume.Shape{1, 40, 40, 10, 1})

	// Overlays may differ in channel count but nothing else.
	if err := CheckOverlayConstraint(raw, metaOf(volume.Shape{1, 40, 40, 10, 3})); err != nil {
		t.Errorf("channel-only difference rejected: %v", err)
	}
	err := CheckOverlayConstraint(raw, metaOf(volume.Shape{1, 40, 41, 10, 1}))
	if err == nil {
		t.Fatal("mismatched overlay accepted")
	}
	if !IsDataConstraint(err) {
		t.Errorf("err = %v, want a data constraint", err)
	}
}

func TestConstraintErrorsCarryCategory(t *testing.T) {
	err := CheckDatasetConstraints(metaOf(volume.Shape{1, 8, 8, 1, 2}))
	if err == nil {
		t.Fatal("expected a constraint error")
	}
	if !strings.HasPrefix(err.Error(), ConstraintCategory+": ") {
		t.Errorf("error %q does not lead with the category", err)
	}

	// Predicates must see through wrapping.
	wrapped := fmt.Errorf("checking input: %w", err)
	if !IsDataConstraint(wrapped) {
		t.Error("IsDataConstraint failed on a wrapped error")
	}
	if IsPrecondition(wrapped) {
		t.Error("IsPrecondition matched a constraint error")
	}

	pre := preconditionf("bad wiring %d", 7)
	if !IsPrecondition(fmt.Errorf("outer: %w", pre)) {
		t.Error("IsPrecondition failed on a wrapped error")
	}
	if IsDataConstraint(pre) {
		t.Error("IsDataConstraint matched a precondition error")
	}
}
