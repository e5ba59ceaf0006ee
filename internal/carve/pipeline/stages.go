// Package pipeline provides the preprocessing orchestrator that runs the
// carving stages — boundary filter, normalization, watershed, region
// graph — over an input volume and memoizes the result.
//
// This package is the composition root: it imports from volume and carve,
// but neither of those packages imports pipeline/.
package pipeline

import (
	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/volume"
)

// FilterStage computes a boundary-indicator response volume from raw
// intensities.
type FilterStage interface {
	// Filter returns a response volume with the input's 5D shape.
	Filter(v *volume.Volume, kind carve.FilterKind, sigma float64, workers int) (*volume.Volume, error)
}

// NormalizationStage rescales a response volume to the value range the
// watershed expects.
type NormalizationStage interface {
	// Normalize rescales v in place and fails on degenerate input.
	Normalize(v *volume.Volume) error
}

// WatershedStage labels a normalized response volume into regions,
// optionally agglomerating them.
type WatershedStage interface {
	// Segment returns the label volume and the region count before
	// agglomeration.
	Segment(feat *volume.Volume, roi volume.ROI, p carve.Parameters, workers int) (*volume.LabelVolume, uint32, error)
}

// GraphStage builds the region adjacency graph and its spanning tree
// from a labeled volume and its response volume.
type GraphStage interface {
	// BuildGraph reports progress through obs; nil disables reporting.
	BuildGraph(feat *volume.Volume, labels *volume.LabelVolume, obs carve.ProgressObserver) (*carve.RegionGraph, error)
}

type defaultFilter struct{}

func (defaultFilter) Filter(v *volume.Volume, kind carve.FilterKind, sigma float64, workers int) (*volume.Volume, error) {
	return carve.FilterVolume(v, kind, sigma, workers)
}

type defaultNormalize struct{}

func (defaultNormalize) Normalize(v *volume.Volume) error {
	return carve.NormalizeVolume(v)
}

type defaultWatershed struct{}

func (defaultWatershed) Segment(feat *volume.Volume, roi volume.ROI, p carve.Parameters, workers int) (*volume.LabelVolume, uint32, error) {
	return carve.SegmentVolume(feat, roi, p, workers)
}

type defaultGraph struct{}

func (defaultGraph) BuildGraph(feat *volume.Volume, labels *volume.LabelVolume, obs carve.ProgressObserver) (*carve.RegionGraph, error) {
	return carve.BuildRegionGraph(feat, labels, obs)
}

var (
	_ FilterStage        = defaultFilter{}
	_ NormalizationStage = defaultNormalize{}
	_ WatershedStage     = defaultWatershed{}
	_ GraphStage         = defaultGraph{}
)
