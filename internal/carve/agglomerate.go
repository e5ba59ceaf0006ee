package carve

import (
	"container/heap"
	"math"
	"time"

	"github.com/voxelkit/carve/internal/volume"
)

// mergeCandidate is one potential contraction. Entries are invalidated
// lazily: a popped candidate is applied only if both endpoints are
// still live roots at the recorded versions and the boundary weight
// still matches.
type mergeCandidate struct {
	u, v       uint32
	uVer, vVer uint32
	w          float64 // min boundary weight at push time
	cost       float64
}

type mergeHeap []mergeCandidate

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(a, b int) bool {
	if h[a].cost != h[b].cost {
		return h[a].cost < h[b].cost
	}
	if h[a].w != h[b].w {
		return h[a].w < h[b].w
	}
	if h[a].u != h[b].u {
		return h[a].u < h[b].u
	}
	return h[a].v < h[b].v
}
func (h mergeHeap) Swap(a, b int)       { h[a], h[b] = h[b], h[a] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeCandidate)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// AgglomerateLabels merges small adjacent regions until roughly
// reduceTo * initial regions remain. Candidate merges are ordered by
// a blend of boundary strength and region size:
//
//	cost = (1-sizeRegularizer)*normalizedBoundary + sizeRegularizer*sizeTerm
//
// where sizeTerm = 2*min(|u|,|v|)/(|u|+|v|), so small regions merge
// first as the regularizer grows. Merged boundaries keep the minimum
// weight of the boundaries they absorb. The result is a fresh label
// volume renumbered contiguously from 1.
func AgglomerateLabels(feat *volume.Volume, labels *volume.LabelVolume, sizeRegularizer, reduceTo float64) (*volume.LabelVolume, error) {
	if feat == nil || labels == nil {
		return nil, preconditionf("agglomerate inputs are nil")
	}
	if !feat.Shape.Equal(labels.Shape) {
		return nil, preconditionf("agglomerate feature shape %s does not match label shape %s", feat.Shape, labels.Shape)
	}
	if sizeRegularizer < 0 || sizeRegularizer > 1 {
		return nil, preconditionf("size regularizer must be in [0,1], got %v", sizeRegularizer)
	}
	if reduceTo <= 0 || reduceTo > 1 {
		return nil, preconditionf("reduce-to must be in (0,1], got %v", reduceTo)
	}

	start := time.Now()
	initial := int(labels.MaxLabel)
	target := int(math.Ceil(reduceTo * float64(initial)))
	if target < 1 {
		target = 1
	}

	grid := newSpatialGrid(labels.Shape)
	sizes := make([]int64, initial+1)
	adj := make(map[uint32]map[uint32]float64, initial+1)
	edgeWeight := func(a, b uint32) (float64, bool) {
		m, ok := adj[a]
		if !ok {
			return 0, false
		}
		w, ok := m[b]
		return w, ok
	}
	setEdge := func(a, b uint32, w float64) {
		if adj[a] == nil {
			adj[a] = make(map[uint32]float64)
		}
		if adj[b] == nil {
			adj[b] = make(map[uint32]float64)
		}
		adj[a][b] = w
		adj[b][a] = w
	}

	// One pass over positive-direction neighbor faces builds sizes and
	// minimum boundary weights.
	for idx, la := range labels.Data {
		sizes[la]++
		rem := idx
		for d := 0; d < grid.dims(); d++ {
			coord := rem / grid.strides[d]
			rem %= grid.strides[d]
			if coord >= grid.extents[d]-1 {
				continue
			}
			nb := idx + grid.strides[d]
			lb := labels.Data[nb]
			if la == lb {
				continue
			}
			w := math.Min(feat.Data[idx], feat.Data[nb])
			if old, ok := edgeWeight(la, lb); !ok || w < old {
				setEdge(la, lb, w)
			}
		}
	}

	// Normalize boundary weights into [0,1] for the cost blend.
	wMin, wMax := math.Inf(1), math.Inf(-1)
	for _, m := range adj {
		for _, w := range m {
			wMin = math.Min(wMin, w)
			wMax = math.Max(wMax, w)
		}
	}
	wSpan := wMax - wMin
	cost := func(u, v uint32, w float64) float64 {
		wn := 0.0
		if wSpan > 0 {
			wn = (w - wMin) / wSpan
		}
		su, sv := float64(sizes[u]), float64(sizes[v])
		sizeTerm := 2 * math.Min(su, sv) / (su + sv)
		return (1-sizeRegularizer)*wn + sizeRegularizer*sizeTerm
	}

	parent := make([]uint32, initial+1)
	ver := make([]uint32, initial+1)
	for i := range parent {
		parent[i] = uint32(i)
	}
	var find func(uint32) uint32
	find = func(x uint32) uint32 {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	h := make(mergeHeap, 0, initial*2)
	for u, m := range adj {
		for v, w := range m {
			if u < v {
				h = append(h, mergeCandidate{u: u, v: v, w: w, cost: cost(u, v, w)})
			}
		}
	}
	heap.Init(&h)

	count := initial
	merges := 0
	for count > target && h.Len() > 0 {
		c := heap.Pop(&h).(mergeCandidate)
		if find(c.u) != c.u || find(c.v) != c.v {
			continue
		}
		if ver[c.u] != c.uVer || ver[c.v] != c.vVer {
			continue
		}
		if w, ok := edgeWeight(c.u, c.v); !ok || w != c.w {
			continue
		}

		keep, drop := c.u, c.v
		if sizes[drop] > sizes[keep] {
			keep, drop = drop, keep
		}
		parent[drop] = keep
		sizes[keep] += sizes[drop]
		ver[keep]++

		delete(adj[keep], drop)
		delete(adj[drop], keep)
		for nb, nw := range adj[drop] {
			merged := nw
			if ex, ok := adj[keep][nb]; ok && ex < merged {
				merged = ex
			}
			setEdge(keep, nb, merged)
			delete(adj[nb], drop)
		}
		delete(adj, drop)

		for nb, w := range adj[keep] {
			heap.Push(&h, mergeCandidate{
				u: keep, v: nb,
				uVer: ver[keep], vVer: ver[nb],
				w: w, cost: cost(keep, nb, w),
			})
		}
		count--
		merges++
	}

	// Renumber surviving roots contiguously from 1, smallest original
	// label first (the scan is already in ascending label order).
	roots := make([]uint32, 0, count)
	for l := uint32(1); l <= uint32(initial); l++ {
		if find(l) == l {
			roots = append(roots, l)
		}
	}
	renum := make([]uint32, initial+1)
	for i, r := range roots {
		renum[r] = uint32(i + 1)
	}

	out := volume.NewLabels(labels.Shape)
	for i, l := range labels.Data {
		out.Data[i] = renum[find(l)]
	}
	out.MaxLabel = uint32(len(roots))

	diagf("agglomerate: %d -> %d regions (target %d, %d merges, size-regularizer %g) took=%s",
		initial, len(roots), target, merges, sizeRegularizer, time.Since(start).Round(time.Microsecond))
	return out, nil
}
