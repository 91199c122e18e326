package ipu

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-molgraph/config"
)

// DataloaderOptions size the fixed-shape batches the device consumes.
// Per-graph limits are turned into per-batch limits by SetKwargs.
type DataloaderOptions struct {
	BatchSize           int    `yaml:"batch_size"`
	MaxNumNodes         int    `yaml:"max_num_nodes"`
	MaxNumNodesPerGraph int    `yaml:"max_num_nodes_per_graph"`
	MaxNumEdges         int    `yaml:"max_num_edges"`
	MaxNumEdgesPerGraph int    `yaml:"max_num_edges_per_graph"`
	Mode                string `yaml:"mode"`
}

// NewDataloaderOptions decodes section, which may be nil, with batchSize
// taking precedence over any batch_size it holds.
func NewDataloaderOptions(batchSize int, section config.Tree) (*DataloaderOptions, error) {
	opts := &DataloaderOptions{Mode: "sync"}
	if section != nil {
		if err := config.Decode(section, opts); err != nil {
			return nil, errors.WithMessage(err, "ipu dataloader options")
		}
	}
	if batchSize > 0 {
		opts.BatchSize = batchSize
	}
	return opts, nil
}

// SetKwargs validates the options and derives the per-batch node and edge
// budgets from the per-graph ones when they are not set directly.
func (o *DataloaderOptions) SetKwargs() error {
	if o.BatchSize <= 0 {
		return errors.Errorf("ipu dataloader batch_size must be positive, got %d", o.BatchSize)
	}
	switch o.Mode {
	case "", "sync", "Sync":
		o.Mode = "sync"
	case "async", "Async", "AsyncRebatched":
		o.Mode = "async"
	default:
		return errors.Errorf("unsupported ipu dataloader mode %q", o.Mode)
	}

	if o.MaxNumNodes <= 0 {
		if o.MaxNumNodesPerGraph <= 0 {
			return errors.New("ipu dataloader needs max_num_nodes or max_num_nodes_per_graph")
		}
		o.MaxNumNodes = o.MaxNumNodesPerGraph * o.BatchSize
	}
	if o.MaxNumEdges <= 0 {
		if o.MaxNumEdgesPerGraph <= 0 {
			return errors.New("ipu dataloader needs max_num_edges or max_num_edges_per_graph")
		}
		o.MaxNumEdges = o.MaxNumEdgesPerGraph * o.BatchSize
	}
	return nil
}
