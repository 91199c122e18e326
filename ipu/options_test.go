package ipu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-molgraph/config"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]string{
		"# training options",
		"deviceIterations(5)",
		"replicationFactor(2)",
		"",
		"Training.gradientAccumulation(4)",
		"Precision.enableStochasticRounding(True)",
		"TensorLocations.numIOTiles(128)",
		`modelName("pcqm4m")`,
	})
	require.NoError(t, err)
	require.Equal(t, 5, opts.DeviceIterations)
	require.Equal(t, 2, opts.ReplicationFactor)
	require.Equal(t, 4, opts.GradientAccumulation)
	require.True(t, opts.EnableStochasticRounding)
	require.Equal(t, "pcqm4m", opts.ModelName)
	require.Equal(t, "128", opts.Extra["TensorLocations.numIOTiles"])
	require.Equal(t, 40, opts.BatchesPerStep())

	again, err := ParseOptions(splitLines(opts.String()))
	require.NoError(t, err)
	require.Equal(t, opts, again)
}

func splitLines(s string) []string {
	lines, _ := optionLines(s)
	return lines
}

func TestParseOptionsErrors(t *testing.T) {
	for _, line := range []string{
		"deviceIterations",
		"deviceIterations(0)",
		"replicationFactor(two)",
		"randomSeed(x)",
		"Precision.enableStochasticRounding(maybe)",
	} {
		_, err := ParseOptions([]string{line})
		require.Error(t, err, line)
	}
}

func TestLoadOptions(t *testing.T) {
	seed := int64(42)
	accum := 3
	train, infer, err := LoadOptions(
		[]any{"deviceIterations(2)", "replicationFactor(4)"},
		nil, &seed, "toy", &accum)
	require.NoError(t, err)

	require.Equal(t, 3, train.GradientAccumulation)
	require.Equal(t, 1, infer.GradientAccumulation)
	require.Equal(t, 2, infer.DeviceIterations)
	require.Equal(t, "toy_train", train.ModelName)
	require.Equal(t, "toy_inference", infer.ModelName)
	require.Equal(t, int64(42), *train.RandomSeed)
	require.Equal(t, int64(42), *infer.RandomSeed)

	seed = 7
	require.Equal(t, int64(42), *train.RandomSeed)
}

func TestLoadOptionsInferenceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipu_inference.config")
	require.NoError(t, os.WriteFile(path, []byte("deviceIterations(16)\nreplicationFactor(1)\n"), 0644))

	train, infer, err := LoadOptions([]any{"deviceIterations(1)"}, path, nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, train.DeviceIterations)
	require.Equal(t, 16, infer.DeviceIterations)
	require.Nil(t, train.RandomSeed)
	require.Empty(t, train.ModelName)
}

func TestLoadOptionsAccumulationConflict(t *testing.T) {
	accum := 2
	_, _, err := LoadOptions([]any{"Training.gradientAccumulation(4)"}, nil, nil, "", &accum)
	require.True(t, errors.Is(err, config.ErrConfigConflict))

	accum = 4
	train, _, err := LoadOptions([]any{"Training.gradientAccumulation(4)"}, nil, nil, "", &accum)
	require.NoError(t, err)
	require.Equal(t, 4, train.GradientAccumulation)
}

func TestDataloaderOptions(t *testing.T) {
	opts, err := NewDataloaderOptions(16, config.Tree{
		"max_num_nodes_per_graph": 20,
		"max_num_edges":           900,
		"mode":                    "Async",
	})
	require.NoError(t, err)
	require.NoError(t, opts.SetKwargs())
	require.Equal(t, 320, opts.MaxNumNodes)
	require.Equal(t, 900, opts.MaxNumEdges)
	require.Equal(t, "async", opts.Mode)

	missing, err := NewDataloaderOptions(16, nil)
	require.NoError(t, err)
	require.Error(t, missing.SetKwargs())

	noBatch, err := NewDataloaderOptions(0, config.Tree{"max_num_nodes": 10, "max_num_edges": 10})
	require.NoError(t, err)
	require.Error(t, noBatch.SetKwargs())
}
