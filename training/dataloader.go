package training

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/tsawler/go-molgraph/graphdata"
)

// Loader yields the batches of one epoch.
type Loader interface {
	Reset()
	HasNext() bool
	Next() (*Batch, error)
	Len() int
}

// Dataset interface defines methods that all graph datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (*graphdata.Graph, error)
}

// DataLoaderConfig controls batching. Zero limits are unbounded.
type DataLoaderConfig struct {
	BatchSize int
	MaxNodes  int
	MaxEdges  int
	Shuffle   bool
	Seed      int64
	TaskDims  map[string]int
}

// DataLoader packs graphs into batches. A batch closes when it holds
// BatchSize graphs or when the next graph would push it past MaxNodes or
// MaxEdges.
type DataLoader struct {
	dataset  Dataset
	cfg      DataLoaderConfig
	rng      *rand.Rand
	indices  []int
	plan     [][]int
	position int
	mutex    sync.Mutex
}

// NewDataLoader creates a new DataLoader and plans its first epoch.
func NewDataLoader(dataset Dataset, cfg DataLoaderConfig) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	dl := &DataLoader{
		dataset: dataset,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		indices: indices,
	}
	if err := dl.replan(); err != nil {
		return nil, err
	}
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return len(dl.plan)
}

// Reset rewinds the loader and reshuffles when configured to.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if !dl.cfg.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
	if err := dl.replan(); err != nil {
		slog.Error("dataloader replan failed", "error", err)
	}
}

// replan groups indices into batches. Callers hold the mutex or own dl.
func (dl *DataLoader) replan() error {
	dl.plan = dl.plan[:0]
	var current []int
	nodes, edges := 0, 0
	for _, idx := range dl.indices {
		g, err := dl.dataset.Get(idx)
		if err != nil {
			return fmt.Errorf("failed to load graph %d: %v", idx, err)
		}
		n, e := g.NumNodes(), g.NumEdges()
		if (dl.cfg.MaxNodes > 0 && n > dl.cfg.MaxNodes) || (dl.cfg.MaxEdges > 0 && e > dl.cfg.MaxEdges) {
			return fmt.Errorf("graph %d with %d nodes and %d edges exceeds the batch limits (%d nodes, %d edges)",
				idx, n, e, dl.cfg.MaxNodes, dl.cfg.MaxEdges)
		}
		full := len(current) == dl.cfg.BatchSize ||
			(dl.cfg.MaxNodes > 0 && nodes+n > dl.cfg.MaxNodes) ||
			(dl.cfg.MaxEdges > 0 && edges+e > dl.cfg.MaxEdges)
		if full && len(current) > 0 {
			dl.plan = append(dl.plan, current)
			current, nodes, edges = nil, 0, 0
		}
		current = append(current, idx)
		nodes += n
		edges += e
	}
	if len(current) > 0 {
		dl.plan = append(dl.plan, current)
	}
	return nil
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.plan) {
		return nil, nil
	}
	indices := dl.plan[dl.position]
	dl.position++

	graphs := make([]*graphdata.Graph, len(indices))
	for i, idx := range indices {
		g, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load graph %d: %v", idx, err)
		}
		graphs[i] = g
	}
	features, err := graphdata.Collate(graphs)
	if err != nil {
		return nil, fmt.Errorf("failed to collate batch: %v", err)
	}
	batch := &Batch{Features: features}
	if len(dl.cfg.TaskDims) > 0 {
		if batch.Labels, err = graphdata.CollateLabels(graphs, dl.cfg.TaskDims); err != nil {
			return nil, fmt.Errorf("failed to collate labels: %v", err)
		}
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.plan)
}

// Iterator returns a channel-based iterator over one epoch. Loading errors
// end the epoch early and are logged.
func (dl *DataLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)

		dl.Reset()
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				slog.Error("dataloader stopped", "error", err)
				return
			}
			if batch == nil {
				break
			}
			batchChan <- batch
		}
	}()

	return batchChan
}

// SliceDataset serves graphs held in memory.
type SliceDataset struct {
	graphs []*graphdata.Graph
}

func NewSliceDataset(graphs []*graphdata.Graph) *SliceDataset {
	return &SliceDataset{graphs: graphs}
}

func (ds *SliceDataset) Len() int {
	return len(ds.graphs)
}

func (ds *SliceDataset) Get(idx int) (*graphdata.Graph, error) {
	if idx < 0 || idx >= len(ds.graphs) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.graphs))
	}
	return ds.graphs[idx], nil
}

// Subset returns the graphs at indices as a new dataset.
func Subset(ds Dataset, indices []int) (*SliceDataset, error) {
	graphs := make([]*graphdata.Graph, len(indices))
	for i, idx := range indices {
		g, err := ds.Get(idx)
		if err != nil {
			return nil, err
		}
		graphs[i] = g
	}
	return NewSliceDataset(graphs), nil
}
