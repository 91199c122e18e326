package datamodule

import (
	"context"
	"runtime"
	"sync"

	"github.com/tsawler/go-molgraph/graphdata"
)

// featurized is the outcome of featurizing one SMILES.
type featurized struct {
	graph *graphdata.Graph
	err   error
}

// featurizeAll runs fn over smiles on up to workers goroutines and returns
// the outcomes in input order. workers <= 0 uses one worker per CPU. It
// stops handing out work once ctx is done and returns ctx.Err().
func featurizeAll(ctx context.Context, smiles []string, workers int, fn func(string) (*graphdata.Graph, error)) ([]featurized, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(smiles) {
		workers = len(smiles)
	}
	out := make([]featurized, len(smiles))
	if workers == 0 {
		return out, nil
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				g, err := fn(smiles[i])
				out[i] = featurized{graph: g, err: err}
			}
		}()
	}

feed:
	for i := range smiles {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return out, ctx.Err()
}
