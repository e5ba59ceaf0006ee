package carve

import (
	"errors"
	"testing"

	"github.com/voxelkit/carve/internal/volume"
)

func TestNormalizeVolumeRange(t *testing.T) {
	v := makeVolume(6, 5, 4, func(x, y, z int) float64 {
		return float64(x) - 0.5*float64(y) + 2*float64(z)
	})
	backing := &v.Data[0]

	if err := NormalizeVolume(v); err != nil {
		t.Fatalf("NormalizeVolume: %v", err)
	}
	min, max := v.MinMax()
	if !floatEquals(min, 0, 1e-9) {
		t.Errorf("min = %g, want 0", min)
	}
	if !floatEquals(max, 255, 1e-9) {
		t.Errorf("max = %g, want 255", max)
	}
	if backing != &v.Data[0] {
		t.Error("normalization reallocated the data buffer")
	}
}

func TestNormalizeVolumePreservesOrder(t *testing.T) {
	v := makeVolume(8, 1, 2, func(x, y, z int) float64 {
		return float64(x*x) - float64(z)
	})
	orig := append([]float64(nil), v.Data...)
	if err := NormalizeVolume(v); err != nil {
		t.Fatalf("NormalizeVolume: %v", err)
	}
	for i := 0; i < len(orig); i++ {
		for j := i + 1; j < len(orig); j++ {
			if (orig[i] < orig[j]) != (v.Data[i] < v.Data[j]) {
				t.Fatalf("ordering of elements %d and %d not preserved", i, j)
			}
		}
	}
}

func TestNormalizeVolumeConstant(t *testing.T) {
	v := volume.New(volume.Shape{1, 4, 4, 1, 1})
	v.Fill(3.14)
	before := append([]float64(nil), v.Data...)

	err := NormalizeVolume(v)
	if !errors.Is(err, ErrConstantVolume) {
		t.Fatalf("err = %v, want ErrConstantVolume", err)
	}
	for i := range before {
		if v.Data[i] != before[i] {
			t.Fatalf("constant volume mutated at %d", i)
		}
	}
}

func TestNormalizeVolumeNegativeRange(t *testing.T) {
	v := makeVolume(3, 3, 1, func(x, y, z int) float64 {
		return float64(x+y)*2 - 5 // [-5, 3]
	})
	if err := NormalizeVolume(v); err != nil {
		t.Fatalf("NormalizeVolume: %v", err)
	}
	if got := v.At(0, 0, 0, 0, 0); !floatEquals(got, 0, 1e-9) {
		t.Errorf("lowest element = %g, want 0", got)
	}
	if got := v.At(0, 2, 2, 0, 0); !floatEquals(got, 255, 1e-9) {
		t.Errorf("highest element = %g, want 255", got)
	}
}

func TestNormalizeVolumePreconditions(t *testing.T) {
	if err := NormalizeVolume(nil); !IsPrecondition(err) {
		t.Errorf("nil volume: err = %v, want precondition violation", err)
	}
	empty := &volume.Volume{Axes: volume.CanonicalAxes()}
	if err := NormalizeVolume(empty); !IsPrecondition(err) {
		t.Errorf("empty volume: err = %v, want precondition violation", err)
	}
}
