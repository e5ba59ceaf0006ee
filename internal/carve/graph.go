package carve

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/stat"

	"github.com/voxelkit/carve/internal/volume"
)

// Region is one labeled watershed region with aggregated statistics of
// the normalized feature values inside it.
type Region struct {
	Label  uint32  `json:"label"`
	Size   int64   `json:"size"` // voxel count
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// RegionEdge connects two spatially adjacent regions. Weight is the
// minimum feature value observed along their shared boundary.
type RegionEdge struct {
	U      uint32  `json:"u"`
	V      uint32  `json:"v"`
	Weight float64 `json:"weight"`
}

// RegionSizeStats summarizes the region size distribution of a graph.
type RegionSizeStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// RegionGraph is the region-adjacency graph over a label volume plus a
// minimum spanning tree, the structure the interactive carving tool
// edits. It keeps aggregated statistics only and never a reference to
// the feature or raw intensity volume.
type RegionGraph struct {
	regions   []Region     // ascending label
	edges     []RegionEdge // ascending (U, V)
	rag       *simple.WeightedUndirectedGraph
	mst       *simple.WeightedUndirectedGraph
	mstWeight float64
	maxLabel  uint32
}

// NumRegions returns the node count.
func (g *RegionGraph) NumRegions() int { return len(g.regions) }

// NumEdges returns the adjacency edge count.
func (g *RegionGraph) NumEdges() int { return len(g.edges) }

// MaxLabel returns the highest region label.
func (g *RegionGraph) MaxLabel() uint32 { return g.maxLabel }

// Regions returns the regions in ascending label order.
func (g *RegionGraph) Regions() []Region { return g.regions }

// Edges returns the adjacency edges in ascending (U, V) order.
func (g *RegionGraph) Edges() []RegionEdge { return g.edges }

// Region returns the region with the given label.
func (g *RegionGraph) Region(label uint32) (Region, bool) {
	i := sort.Search(len(g.regions), func(i int) bool { return g.regions[i].Label >= label })
	if i < len(g.regions) && g.regions[i].Label == label {
		return g.regions[i], true
	}
	return Region{}, false
}

// EdgeWeight returns the boundary weight between two adjacent regions.
func (g *RegionGraph) EdgeWeight(u, v uint32) (float64, bool) {
	w, ok := g.rag.Weight(int64(u), int64(v))
	if !ok || u == v {
		return 0, false
	}
	return w, true
}

// MST returns the spanning tree as a mutable weighted graph.
func (g *RegionGraph) MST() *simple.WeightedUndirectedGraph { return g.mst }

// MSTWeight returns the total weight of the spanning tree.
func (g *RegionGraph) MSTWeight() float64 { return g.mstWeight }

// MSTEdges returns the spanning tree edges in ascending (U, V) order.
func (g *RegionGraph) MSTEdges() []RegionEdge {
	var out []RegionEdge
	it := g.mst.WeightedEdges()
	for it.Next() {
		e := it.WeightedEdge()
		u, v := uint32(e.From().ID()), uint32(e.To().ID())
		if u > v {
			u, v = v, u
		}
		out = append(out, RegionEdge{U: u, V: v, Weight: e.Weight()})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].U != out[b].U {
			return out[a].U < out[b].U
		}
		return out[a].V < out[b].V
	})
	return out
}

// SizeStats summarizes the region size distribution.
func (g *RegionGraph) SizeStats() RegionSizeStats {
	sizes := make([]float64, len(g.regions))
	for i, r := range g.regions {
		sizes[i] = float64(r.Size)
	}
	sort.Float64s(sizes)
	return RegionSizeStats{
		Mean:   stat.Mean(sizes, nil),
		StdDev: stat.StdDev(sizes, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sizes, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sizes, nil),
	}
}

type regionAcc struct {
	size     int64
	sum      float64
	sumSq    float64
	min, max float64
}

// BuildRegionGraph scans the (feature, label) volume pair for region
// statistics and adjacent-region boundaries, builds the weighted
// region-adjacency graph, and computes its minimum spanning tree.
//
// Progress contract: obs.Begin() fires before any work, updates are
// throttled to whole-point advances, and obs.Done() fires on every
// exit path, including failure.
func BuildRegionGraph(feat *volume.Volume, labels *volume.LabelVolume, obs ProgressObserver) (g *RegionGraph, err error) {
	th := newThrottledProgress(obs)
	th.obs.Begin()
	defer func() {
		th.update(100)
		th.obs.Done()
	}()

	if feat == nil || labels == nil {
		return nil, preconditionf("graph builder inputs are nil")
	}
	if !feat.Shape.Equal(labels.Shape) {
		return nil, preconditionf("graph builder feature shape %s does not match label shape %s", feat.Shape, labels.Shape)
	}
	if labels.MaxLabel == 0 {
		return nil, preconditionf("graph builder needs a labeled volume, max label is 0")
	}
	start := time.Now()

	grid := newSpatialGrid(labels.Shape)
	maxLabel := labels.MaxLabel
	accs := make([]regionAcc, maxLabel+1)
	for i := range accs {
		accs[i].min = math.Inf(1)
		accs[i].max = math.Inf(-1)
	}
	type pair struct{ u, v uint32 }
	bounds := make(map[pair]float64)

	nx := labels.Shape[1]
	ny := labels.Shape[2]
	nz := labels.Shape[3]
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				idx := labels.Idx(0, x, y, z, 0)
				la := labels.Data[idx]
				if la == 0 || la > maxLabel {
					return nil, preconditionf("voxel (%d,%d,%d) has label %d outside [1,%d]", x, y, z, la, maxLabel)
				}
				v := feat.Data[idx]
				acc := &accs[la]
				acc.size++
				acc.sum += v
				acc.sumSq += v * v
				acc.min = math.Min(acc.min, v)
				acc.max = math.Max(acc.max, v)

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
					key := pair{la, lb}
					if lb < la {
						key = pair{lb, la}
					}
					w := math.Min(v, feat.Data[nb])
					if old, ok := bounds[key]; !ok || w < old {
						bounds[key] = w
					}
				}
			}
		}
		th.update(70 * float64(x+1) / float64(nx))
	}

	out := &RegionGraph{
		rag:      simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		mst:      simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		maxLabel: maxLabel,
	}
	out.regions = make([]Region, 0, maxLabel)
	for l := uint32(1); l <= maxLabel; l++ {
		acc := accs[l]
		if acc.size == 0 {
			return nil, preconditionf("label %d has no voxels, labels must be contiguous from 1", l)
		}
		mean := acc.sum / float64(acc.size)
		variance := acc.sumSq/float64(acc.size) - mean*mean
		if variance < 0 {
			variance = 0
		}
		out.regions = append(out.regions, Region{
			Label:  l,
			Size:   acc.size,
			Mean:   mean,
			StdDev: math.Sqrt(variance),
			Min:    acc.min,
			Max:    acc.max,
		})
		out.rag.AddNode(simple.Node(int64(l)))
	}
	th.update(80)

	keys := make([]pair, 0, len(bounds))
	for k := range bounds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].u != keys[b].u {
			return keys[a].u < keys[b].u
		}
		return keys[a].v < keys[b].v
	})
	out.edges = make([]RegionEdge, 0, len(keys))
	for _, k := range keys {
		w := bounds[k]
		out.edges = append(out.edges, RegionEdge{U: k.u, V: k.v, Weight: w})
		out.rag.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(int64(k.u)),
			T: simple.Node(int64(k.v)),
			W: w,
		})
	}
	th.update(90)

	out.mstWeight = path.Kruskal(out.mst, out.rag)

	diagf("region graph: %d regions, %d edges, mst weight %.3f took=%s",
		out.NumRegions(), out.NumEdges(), out.mstWeight, time.Since(start).Round(time.Microsecond))
	return out, nil
}
