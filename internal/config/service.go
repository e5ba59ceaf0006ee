// Package config loads the optional service configuration file. All
// fields are pointers so keys absent from the JSON fall back to the
// hardcoded defaults in the Get* accessors, and partial configs are
// safe to ship.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/volume"
)

// ServiceConfig is the root configuration. The pipeline fields use the
// same names as the /api/params endpoint so one JSON schema serves both
// startup configuration and runtime updates.
type ServiceConfig struct {
	// Pipeline parameter defaults
	Sigma           *float64 `json:"sigma,omitempty"`
	Filter          *string  `json:"filter,omitempty"` // kind name, e.g. "ridge-bright"
	Agglomerate     *bool    `json:"agglomerate,omitempty"`
	SizeRegularizer *float64 `json:"size_regularizer,omitempty"`
	ReduceTo        *float64 `json:"reduce_to,omitempty"`

	// Execution
	Workers   *int `json:"workers,omitempty"`    // 0 selects GOMAXPROCS
	BlockEdge *int `json:"block_edge,omitempty"` // input cache block edge

	// Service
	DBPath     *string `json:"db_path,omitempty"`
	ListenAddr *string `json:"listen_addr,omitempty"`
}

// Empty returns a ServiceConfig with every field unset.
func Empty() *ServiceConfig {
	return &ServiceConfig{}
}

// Load reads and validates a ServiceConfig from a JSON file. The path
// must carry a .json extension and the file may be at most 1MB.
func Load(path string) (*ServiceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field's range. Unset fields are always
// valid because the accessors substitute known-good defaults.
func (c *ServiceConfig) Validate() error {
	if c.Sigma != nil && *c.Sigma <= 0 {
		return fmt.Errorf("sigma must be > 0, got %v", *c.Sigma)
	}
	if c.Filter != nil {
		if _, err := carve.ParseFilterKind(*c.Filter); err != nil {
			return err
		}
	}
	if c.SizeRegularizer != nil && (*c.SizeRegularizer < 0 || *c.SizeRegularizer > 1) {
		return fmt.Errorf("size_regularizer must be in [0,1], got %v", *c.SizeRegularizer)
	}
	if c.ReduceTo != nil && (*c.ReduceTo <= 0 || *c.ReduceTo > 1) {
		return fmt.Errorf("reduce_to must be in (0,1], got %v", *c.ReduceTo)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", *c.Workers)
	}
	if c.BlockEdge != nil && *c.BlockEdge < 1 {
		return fmt.Errorf("block_edge must be >= 1, got %d", *c.BlockEdge)
	}
	return nil
}

// GetParameters returns the stock pipeline parameters overridden by any
// set pipeline fields. Validate guarantees the filter name parses.
func (c *ServiceConfig) GetParameters() carve.Parameters {
	p := carve.DefaultParameters()
	if c.Sigma != nil {
		p.Sigma = *c.Sigma
	}
	if c.Filter != nil {
		if kind, err := carve.ParseFilterKind(*c.Filter); err == nil {
			p.Filter = kind
		}
	}
	if c.Agglomerate != nil {
		p.Agglomerate = *c.Agglomerate
	}
	if c.SizeRegularizer != nil {
		p.SizeRegularizer = *c.SizeRegularizer
	}
	if c.ReduceTo != nil {
		p.ReduceTo = *c.ReduceTo
	}
	return p
}

// GetWorkers returns the worker count override, or 0 to size the pool
// from GOMAXPROCS.
func (c *ServiceConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetBlockEdge returns the input cache block edge.
func (c *ServiceConfig) GetBlockEdge() int {
	if c.BlockEdge == nil {
		return volume.DefaultBlockEdge
	}
	return *c.BlockEdge
}

// GetDBPath returns the run ledger path.
func (c *ServiceConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "carve.db"
	}
	return *c.DBPath
}

// GetListenAddr returns the HTTP listen address, or "" for one-shot
// mode without a server.
func (c *ServiceConfig) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ""
	}
	return *c.ListenAddr
}
