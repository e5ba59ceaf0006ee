// Command volgen writes raw float32 volumes for carve demos and tests.
// The output is little-endian float32 in canonical flat order (z
// fastest, then y, then x), which is exactly what the carve service
// reads back through its -input/-dims flags.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/voxelkit/carve/internal/volume"
)

var (
	dims = flag.String("dims", "64,64,8", "volume extents as X,Y,Z")
	kind = flag.String("kind", "blobs", "fixture kind: blobs, tubes or steps")
	n    = flag.Int("n", 4, "number of blobs, tubes or steps")
	seed = flag.Int64("seed", 1, "RNG seed; the same seed yields the same volume")
	out  = flag.String("out", "volume.raw", "output path")
)

func main() {
	flag.Parse()

	shape, err := parseDims(*dims)
	if err != nil {
		log.Fatalf("Invalid -dims: %v", err)
	}
	if *n < 1 {
		log.Fatalf("-n must be at least 1, got %d", *n)
	}

	rng := rand.New(rand.NewSource(*seed))
	var v *volume.Volume
	switch *kind {
	case "blobs":
		v = blobVolume(shape, *n, rng)
	case "tubes":
		v = tubeVolume(shape, *n, rng)
	case "steps":
		v = stepVolume(shape, *n)
	default:
		log.Fatalf("Unknown -kind %q (want blobs, tubes or steps)", *kind)
	}

	if err := writeRaw(*out, v); err != nil {
		log.Fatalf("Write %s: %v", *out, err)
	}
	lo, hi := v.MinMax()
	log.Printf("✓ Created: %s (%s %s, range %.3f..%.3f)", *out, v.Shape, *kind, lo, hi)
}

// parseDims parses "X,Y,Z" into a single-timepoint single-channel shape.
func parseDims(spec string) (volume.Shape, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 3 {
		return volume.Shape{}, fmt.Errorf("want X,Y,Z, got %q", spec)
	}
	var nx, ny, nz int
	for i, dst := range []*int{&nx, &ny, &nz} {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || v < 1 {
			return volume.Shape{}, fmt.Errorf("invalid dimension %q", parts[i])
		}
		*dst = v
	}
	return volume.Shape{1, nx, ny, nz, 1}, nil
}

// blobVolume sums n Gaussian blobs with random centres, radii and
// amplitudes. Good general-purpose input for the smoothed filters.
func blobVolume(shape volume.Shape, n int, rng *rand.Rand) *volume.Volume {
	nx, ny, nz := shape.Spatial()
	v := volume.New(shape)
	for i := 0; i < n; i++ {
		cx := rng.Float64() * float64(nx-1)
		cy := rng.Float64() * float64(ny-1)
		cz := rng.Float64() * float64(nz-1)
		r := 2 + rng.Float64()*float64(minInt(nx, ny))/6
		amp := 0.5 + rng.Float64()
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				for z := 0; z < nz; z++ {
					dx := float64(x) - cx
					dy := float64(y) - cy
					dz := float64(z) - cz
					g := amp * math.Exp(-(dx*dx+dy*dy+dz*dz)/(2*r*r))
					v.Data[v.Idx(0, x, y, z, 0)] += g
				}
			}
		}
	}
	return v
}

// tubeVolume adds n bright tubes running along the y axis, each with a
// Gaussian cross-section in (x, z). These are ridge fixtures: the
// default bright-ridge filter is built to respond to exactly this.
func tubeVolume(shape volume.Shape, n int, rng *rand.Rand) *volume.Volume {
	nx, _, nz := shape.Spatial()
	v := volume.New(shape)
	ny := shape[2]
	for i := 0; i < n; i++ {
		cx := rng.Float64() * float64(nx-1)
		cz := rng.Float64() * float64(nz-1)
		sigma := 1 + rng.Float64()*2
		amp := 0.8 + rng.Float64()*0.4
		for x := 0; x < nx; x++ {
			for z := 0; z < nz; z++ {
				dx := float64(x) - cx
				dz := float64(z) - cz
				g := amp * math.Exp(-(dx*dx+dz*dz)/(2*sigma*sigma))
				if g < 1e-9 {
					continue
				}
				for y := 0; y < ny; y++ {
					v.Data[v.Idx(0, x, y, z, 0)] += g
				}
			}
		}
	}
	return v
}

// stepVolume builds a staircase along x: n bands with levels rising
// evenly from 0 to 1. Plateau fixtures for watershed and normalization.
func stepVolume(shape volume.Shape, n int) *volume.Volume {
	nx, ny, nz := shape.Spatial()
	v := volume.New(shape)
	denom := float64(n - 1)
	if n == 1 {
		denom = 1
	}
	for x := 0; x < nx; x++ {
		band := x * n / nx
		if band >= n {
			band = n - 1
		}
		level := float64(band) / denom
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				v.Set(0, x, y, z, 0, level)
			}
		}
	}
	return v
}

// writeRaw encodes the volume as little-endian float32 in flat Data order.
func writeRaw(path string, v *volume.Volume) error {
	buf := make([]byte, len(v.Data)*4)
	for i, d := range v.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(d)))
	}
	return os.WriteFile(path, buf, 0644)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
