package carve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// The filter operators work on flat spatial arrays indexed
// z + nz*(y + ny*x), which is the canonical 5D layout of
// internal/volume with singleton time and channel axes.

// gaussianKernel returns normalized smoothing taps for sigma with
// radius ceil(3*sigma).
func gaussianKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	taps := make([]float64, 2*r+1)
	sum := 0.0
	for k := -r; k <= r; k++ {
		v := math.Exp(-float64(k*k) / (2 * sigma * sigma))
		taps[k+r] = v
		sum += v
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

// gaussianDerivKernel returns first-derivative taps calibrated so a
// unit-slope ramp responds with exactly 1.
func gaussianDerivKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	taps := make([]float64, 2*r+1)
	norm := 0.0
	for k := -r; k <= r; k++ {
		g := math.Exp(-float64(k*k) / (2 * sigma * sigma))
		taps[k+r] = float64(k) * g
		norm += float64(k*k) * g
	}
	for i := range taps {
		taps[i] /= norm
	}
	return taps
}

// gaussianSecondDerivKernel returns second-derivative taps with zero
// sum, calibrated so x^2/2 responds with exactly 1.
func gaussianSecondDerivKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	taps := make([]float64, 2*r+1)
	sum := 0.0
	for k := -r; k <= r; k++ {
		g := math.Exp(-float64(k*k) / (2 * sigma * sigma))
		taps[k+r] = (float64(k*k)/(sigma*sigma) - 1) * g
		sum += taps[k+r]
	}
	mean := sum / float64(len(taps))
	norm := 0.0
	for i := range taps {
		taps[i] -= mean
		k := float64(i - r)
		norm += k * k * taps[i]
	}
	norm /= 2
	for i := range taps {
		taps[i] /= norm
	}
	return taps
}

// reflectIdx reflects an out-of-range index back into [0, n) about the
// edge samples.
func reflectIdx(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

type axisTaps struct {
	axis int // 0=x, 1=y, 2=z
	taps []float64
}

// convolveAxis correlates src with taps along one spatial axis, writing
// dst. Lines orthogonal to the axis are distributed over the pool.
// dst and src must not alias.
func convolveAxis(dst, src []float64, nx, ny, nz, axis int, taps []float64, workers int) error {
	r := (len(taps) - 1) / 2
	var n, stride, lines int
	switch axis {
	case 0:
		n, stride, lines = nx, ny*nz, ny*nz
	case 1:
		n, stride, lines = ny, nz, nx*nz
	case 2:
		n, stride, lines = nz, 1, nx*ny
	default:
		return preconditionf("convolve axis %d out of range", axis)
	}

	lineBase := func(i int) int {
		switch axis {
		case 0:
			return i // y*nz + z
		case 1:
			return (i/nz)*ny*nz + i%nz // x stride + z
		default:
			return (i/ny)*ny*nz + (i%ny)*nz // x stride + y stride
		}
	}

	return runRange(workers, lines, func(start, end int) error {
		for i := start; i < end; i++ {
			base := lineBase(i)
			for j := 0; j < n; j++ {
				var acc float64
				for k := -r; k <= r; k++ {
					acc += taps[k+r] * src[base+reflectIdx(j+k, n)*stride]
				}
				dst[base+j*stride] = acc
			}
		}
		return nil
	})
}

// separableConvolve applies the passes in order. Intermediate results
// ping-pong through one scratch buffer so the final pass lands in dst.
// dst and src must not alias.
func separableConvolve(dst, src []float64, nx, ny, nz int, passes []axisTaps, workers int) error {
	if len(passes) == 0 {
		copy(dst, src)
		return nil
	}
	var tmp []float64
	if len(passes) > 1 {
		tmp = make([]float64, len(src))
	}
	cur := src
	for i, p := range passes {
		out := dst
		if i < len(passes)-1 && (len(passes)-1-i)%2 == 1 {
			out = tmp
		}
		if err := convolveAxis(out, cur, nx, ny, nz, p.axis, p.taps, workers); err != nil {
			return err
		}
		cur = out
	}
	return nil
}

// gaussianSmooth writes the Gaussian-smoothed src into dst. Singleton
// axes are skipped (smoothing across a single sample is the identity).
func gaussianSmooth(dst, src []float64, nx, ny, nz int, sigma float64, workers int) error {
	smooth := gaussianKernel(sigma)
	var passes []axisTaps
	for axis, extent := range [3]int{nx, ny, nz} {
		if extent > 1 {
			passes = append(passes, axisTaps{axis: axis, taps: smooth})
		}
	}
	return separableConvolve(dst, src, nx, ny, nz, passes, workers)
}

// gaussianGradientMagnitude writes the Gaussian gradient magnitude of
// src into dst.
func gaussianGradientMagnitude(dst, src []float64, nx, ny, nz int, sigma float64, workers int) error {
	smooth := gaussianKernel(sigma)
	deriv := gaussianDerivKernel(sigma)
	grad := make([]float64, len(src))
	for i := range dst {
		dst[i] = 0
	}
	for axis, extent := range [3]int{nx, ny, nz} {
		if extent == 1 {
			continue // gradient along a singleton axis is zero
		}
		var passes []axisTaps
		for b, be := range [3]int{nx, ny, nz} {
			if be == 1 {
				continue
			}
			taps := smooth
			if b == axis {
				taps = deriv
			}
			passes = append(passes, axisTaps{axis: b, taps: taps})
		}
		if err := separableConvolve(grad, src, nx, ny, nz, passes, workers); err != nil {
			return err
		}
		for i, g := range grad {
			dst[i] += g * g
		}
	}
	for i := range dst {
		dst[i] = math.Sqrt(dst[i])
	}
	return nil
}

// Hessian eigen-channel selection. Eigenvalues are ordered descending,
// so first is the largest and last the smallest.
const (
	hessianFirst = iota
	hessianLast
)

// hessianEigenvalue writes one eigen-channel of the Hessian-of-Gaussian
// of src into dst. The computation is 2D when nz == 1 (closed-form 2x2
// eigenvalues) and 3D otherwise (symmetric 3x3 eigendecomposition).
func hessianEigenvalue(dst, src []float64, nx, ny, nz int, sigma float64, channel, workers int) error {
	smooth := gaussianKernel(sigma)
	d1 := gaussianDerivKernel(sigma)
	d2 := gaussianSecondDerivKernel(sigma)

	// order maps a (da, db) derivative pair to separable passes: d2 on
	// a diagonal entry, d1+d1 on a mixed entry, smoothing elsewhere.
	mixed := func(a, b int) []axisTaps {
		var passes []axisTaps
		for axis := 0; axis < 3; axis++ {
			switch {
			case axis == 2 && nz == 1:
				// squeezed away
			case axis == a && axis == b:
				passes = append(passes, axisTaps{axis: axis, taps: d2})
			case axis == a || axis == b:
				passes = append(passes, axisTaps{axis: axis, taps: d1})
			default:
				passes = append(passes, axisTaps{axis: axis, taps: smooth})
			}
		}
		return passes
	}

	if nz == 1 {
		hxx := make([]float64, len(src))
		hyy := make([]float64, len(src))
		hxy := make([]float64, len(src))
		for _, c := range []struct {
			dst  []float64
			a, b int
		}{{hxx, 0, 0}, {hyy, 1, 1}, {hxy, 0, 1}} {
			if err := separableConvolve(c.dst, src, nx, ny, nz, mixed(c.a, c.b), workers); err != nil {
				return err
			}
		}
		return runRange(workers, len(dst), func(start, end int) error {
			for i := start; i < end; i++ {
				m := (hxx[i] + hyy[i]) / 2
				d := (hxx[i] - hyy[i]) / 2
				q := math.Sqrt(d*d + hxy[i]*hxy[i])
				if channel == hessianFirst {
					dst[i] = m + q
				} else {
					dst[i] = m - q
				}
			}
			return nil
		})
	}

	entries := []struct{ a, b int }{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {0, 2}, {1, 2}}
	h := make([][]float64, len(entries))
	for i, e := range entries {
		h[i] = make([]float64, len(src))
		if err := separableConvolve(h[i], src, nx, ny, nz, mixed(e.a, e.b), workers); err != nil {
			return err
		}
	}
	hxx, hyy, hzz, hxy, hxz, hyz := h[0], h[1], h[2], h[3], h[4], h[5]

	return runRange(workers, len(dst), func(start, end int) error {
		sym := mat.NewSymDense(3, nil)
		var es mat.EigenSym
		vals := make([]float64, 3)
		for i := start; i < end; i++ {
			sym.SetSym(0, 0, hxx[i])
			sym.SetSym(1, 1, hyy[i])
			sym.SetSym(2, 2, hzz[i])
			sym.SetSym(0, 1, hxy[i])
			sym.SetSym(0, 2, hxz[i])
			sym.SetSym(1, 2, hyz[i])
			if ok := es.Factorize(sym, false); !ok {
				return fmt.Errorf("hessian eigendecomposition failed at voxel %d", i)
			}
			es.Values(vals) // ascending
			if channel == hessianFirst {
				dst[i] = vals[2]
			} else {
				dst[i] = vals[0]
			}
		}
		return nil
	})
}
