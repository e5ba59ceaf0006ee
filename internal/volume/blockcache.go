package volume

import (
	"fmt"
	"sync"
)

// DefaultBlockEdge is the block edge length used when a cache is
// constructed without an explicit one.
const DefaultBlockEdge = 64

type blockKey struct{ bx, by, bz int }

// BlockCache caches block-aligned region reads from an upstream Source.
// It exposes the same Source interface: reads are assembled from cached
// blocks, fetching missing blocks from upstream on demand. Upstream
// dirty notifications invalidate overlapping blocks and are forwarded to
// downstream subscribers.
type BlockCache struct {
	mu     sync.Mutex
	src    Source
	meta   Meta
	edge   int
	blocks map[blockKey]*Volume
	subs   []func(ROI)

	hits   int64
	misses int64
}

// NewBlockCache wraps src with a block cache. edge < 1 selects
// DefaultBlockEdge.
func NewBlockCache(src Source, edge int) *BlockCache {
	if edge < 1 {
		edge = DefaultBlockEdge
	}
	bc := &BlockCache{
		src:    src,
		meta:   src.Meta(),
		edge:   edge,
		blocks: make(map[blockKey]*Volume),
	}
	src.Subscribe(bc.upstreamDirty)
	return bc
}

// Meta returns the upstream metadata as of the last read or
// invalidation.
func (bc *BlockCache) Meta() Meta {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.meta
}

// Subscribe registers a dirty-region callback fired after overlapping
// blocks have been invalidated.
func (bc *BlockCache) Subscribe(fn func(ROI)) {
	bc.mu.Lock()
	bc.subs = append(bc.subs, fn)
	bc.mu.Unlock()
}

// Stats returns cache hit/miss counters and the resident block count.
func (bc *BlockCache) Stats() (hits, misses int64, blocks int) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hits, bc.misses, len(bc.blocks)
}

// ReadRegion assembles the requested region from cached blocks,
// fetching missing blocks from upstream.
func (bc *BlockCache) ReadRegion(roi ROI) (*Volume, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	shape := bc.meta.Shape
	if !roi.In(shape) {
		return nil, fmt.Errorf("region %v outside volume shape %v", roi, shape)
	}

	out := New(roi.Shape())
	out.Axes = bc.meta.Axes

	bx0, bx1 := roi.Begin[1]/bc.edge, (roi.End[1]-1)/bc.edge
	by0, by1 := roi.Begin[2]/bc.edge, (roi.End[2]-1)/bc.edge
	bz0, bz1 := roi.Begin[3]/bc.edge, (roi.End[3]-1)/bc.edge

	for bx := bx0; bx <= bx1; bx++ {
		for by := by0; by <= by1; by++ {
			for bz := bz0; bz <= bz1; bz++ {
				key := blockKey{bx, by, bz}
				blockROI := bc.blockROI(key, shape)
				blk, ok := bc.blocks[key]
				if !ok {
					fetched, err := bc.src.ReadRegion(blockROI)
					if err != nil {
						return nil, fmt.Errorf("fetch block %v: %w", key, err)
					}
					bc.blocks[key] = fetched
					blk = fetched
					bc.misses++
				} else {
					bc.hits++
				}
				sect, ok := roi.Intersect(blockROI)
				if !ok {
					continue
				}
				copyOffset(blk, blockROI.Begin, out, roi.Begin, sect)
			}
		}
	}
	return out, nil
}

// blockROI returns the region a block covers, clipped to the volume.
func (bc *BlockCache) blockROI(key blockKey, shape Shape) ROI {
	return ROI{
		Begin: [5]int{0, key.bx * bc.edge, key.by * bc.edge, key.bz * bc.edge, 0},
		End: [5]int{
			shape[0],
			minInt((key.bx+1)*bc.edge, shape[1]),
			minInt((key.by+1)*bc.edge, shape[2]),
			minInt((key.bz+1)*bc.edge, shape[3]),
			shape[4],
		},
	}
}

func (bc *BlockCache) upstreamDirty(dirty ROI) {
	bc.mu.Lock()
	bc.meta = bc.src.Meta()
	for key := range bc.blocks {
		if _, overlaps := dirty.Intersect(bc.blockROI(key, bc.meta.Shape)); overlaps {
			delete(bc.blocks, key)
		}
	}
	subs := make([]func(ROI), len(bc.subs))
	copy(subs, bc.subs)
	bc.mu.Unlock()

	for _, fn := range subs {
		fn(dirty)
	}
}

// copyOffset copies region sect from src (whose origin sits at global
// coordinate srcOrigin) into dst (origin dstOrigin).
func copyOffset(src *Volume, srcOrigin [5]int, dst *Volume, dstOrigin [5]int, sect ROI) {
	n := sect.End[4] - sect.Begin[4]
	for t := sect.Begin[0]; t < sect.End[0]; t++ {
		for x := sect.Begin[1]; x < sect.End[1]; x++ {
			for y := sect.Begin[2]; y < sect.End[2]; y++ {
				for z := sect.Begin[3]; z < sect.End[3]; z++ {
					si := src.Idx(t-srcOrigin[0], x-srcOrigin[1], y-srcOrigin[2], z-srcOrigin[3], sect.Begin[4]-srcOrigin[4])
					di := dst.Idx(t-dstOrigin[0], x-dstOrigin[1], y-dstOrigin[2], z-dstOrigin[3], sect.Begin[4]-dstOrigin[4])
					copy(dst.Data[di:di+n], src.Data[si:si+n])
				}
			}
		}
	}
}

var _ Source = (*BlockCache)(nil)
