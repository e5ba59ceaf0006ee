package carve

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/voxelkit/carve/internal/volume"
)

// WorkerCount clamps a reported worker count to at least one effective
// worker. A pool that reports zero available workers still executes
// serially rather than deadlocking.
func WorkerCount(reported int) int {
	if reported < 1 {
		return 1
	}
	return reported
}

// DefaultWorkers returns the pool size for this process.
func DefaultWorkers() int {
	return WorkerCount(runtime.GOMAXPROCS(0))
}

// runBlocks executes fn for every block on a bounded pool. Blocks are
// disjoint output regions, so tasks need no synchronization beyond the
// pool itself. The first error cancels nothing (tasks are short and
// side-effect free on failure) but is returned after all tasks finish.
func runBlocks(workers int, blocks []volume.ROI, fn func(volume.ROI) error) error {
	var g errgroup.Group
	g.SetLimit(WorkerCount(workers))
	for _, b := range blocks {
		g.Go(func() error { return fn(b) })
	}
	return g.Wait()
}

// runRange splits [0, n) into contiguous chunks and executes fn on a
// bounded pool. Used for scanline-parallel kernel passes.
func runRange(workers, n int, fn func(start, end int) error) error {
	workers = WorkerCount(workers)
	if n <= 0 {
		return nil
	}
	chunk := n / (workers * 4)
	if chunk < 1 {
		chunk = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		g.Go(func() error { return fn(start, end) })
	}
	return g.Wait()
}
