package carve

import (
	"encoding/json"
	"fmt"
)

// FilterKind selects the response operator run by the filter stage.
type FilterKind int

const (
	// FilterRidgeBright responds to bright ridges: Hessian-of-Gaussian
	// eigenvalues, last (smallest) eigenvalue retained, then inverted
	// against its global maximum so ridge centers become basins.
	FilterRidgeBright FilterKind = iota
	// FilterRidgeDark responds to dark ridges: first (largest)
	// Hessian-of-Gaussian eigenvalue.
	FilterRidgeDark
	// FilterEdgeMagnitude is the Gaussian gradient magnitude.
	FilterEdgeMagnitude
	// FilterSmoothed is plain Gaussian smoothing.
	FilterSmoothed
	// FilterSmoothedInverted smooths the negated input.
	FilterSmoothedInverted
)

var filterKindNames = map[FilterKind]string{
	FilterRidgeBright:      "ridge-bright",
	FilterRidgeDark:        "ridge-dark",
	FilterEdgeMagnitude:    "edge-magnitude",
	FilterSmoothed:         "smoothed",
	FilterSmoothedInverted: "smoothed-inverted",
}

func (k FilterKind) String() string {
	if name, ok := filterKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("filter(%d)", int(k))
}

// Valid reports whether k is one of the five defined kinds.
func (k FilterKind) Valid() bool {
	_, ok := filterKindNames[k]
	return ok
}

// ParseFilterKind maps a kind name (as printed by String) back to its
// value. Used by the CLI, config, and HTTP parameter updates.
func ParseFilterKind(name string) (FilterKind, error) {
	for k, n := range filterKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown filter kind %q", name)
}

// MarshalJSON encodes the kind as its string name.
func (k FilterKind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid filter kind %d", int(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes the kind from its string name.
func (k *FilterKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseFilterKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Default parameter values for a fresh pipeline.
const (
	DefaultSigma           = 1.6
	DefaultSizeRegularizer = 0.5
	DefaultReduceTo        = 0.2
)

// Parameters is one immutable snapshot of the pipeline configuration.
// A snapshot is taken when a computation starts and stored with its
// result; live parameters are edited only through the orchestrator.
type Parameters struct {
	Sigma           float64    `json:"sigma"`            // filter scale, > 0
	Filter          FilterKind `json:"filter"`           // response operator
	Agglomerate     bool       `json:"agglomerate"`      // merge small watershed regions
	SizeRegularizer float64    `json:"size_regularizer"` // size term weight in [0,1]
	ReduceTo        float64    `json:"reduce_to"`        // target region fraction in (0,1]
}

// DefaultParameters returns the stock configuration: bright-ridge
// filtering at sigma 1.6 with agglomeration on.
func DefaultParameters() Parameters {
	return Parameters{
		Sigma:           DefaultSigma,
		Filter:          FilterRidgeBright,
		Agglomerate:     true,
		SizeRegularizer: DefaultSizeRegularizer,
		ReduceTo:        DefaultReduceTo,
	}
}

// Validate checks every field range.
func (p Parameters) Validate() error {
	if p.Sigma <= 0 {
		return fmt.Errorf("sigma must be > 0, got %v", p.Sigma)
	}
	if !p.Filter.Valid() {
		return fmt.Errorf("invalid filter kind %d", int(p.Filter))
	}
	if p.SizeRegularizer < 0 || p.SizeRegularizer > 1 {
		return fmt.Errorf("size regularizer must be in [0,1], got %v", p.SizeRegularizer)
	}
	if p.ReduceTo <= 0 || p.ReduceTo > 1 {
		return fmt.Errorf("reduce-to must be in (0,1], got %v", p.ReduceTo)
	}
	return nil
}

func (p Parameters) String() string {
	return fmt.Sprintf("sigma=%g filter=%s agglomerate=%t size-regularizer=%g reduce-to=%g",
		p.Sigma, p.Filter, p.Agglomerate, p.SizeRegularizer, p.ReduceTo)
}
