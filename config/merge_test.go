package config

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) Tree {
	t.Helper()
	tree, err := Parse([]byte(doc))
	require.NoError(t, err)
	return tree
}

func TestMergeDisjointIsUnion(t *testing.T) {
	target := mustParse(t, `
trainer:
  trainer:
    max_epochs: 10
constants:
  seed: 42
`)
	source := mustParse(t, `
trainer:
  trainer:
    precision: 16
datamodule:
  module_type: FakeDataModule
`)

	require.NoError(t, Merge(target, source, ""))
	require.Equal(t, 10, Int(target, 0, "trainer", "trainer", "max_epochs"))
	require.Equal(t, 16, Int(target, 0, "trainer", "trainer", "precision"))
	require.Equal(t, "FakeDataModule", String(target, "", "datamodule", "module_type"))
	require.Equal(t, 42, Int(target, 0, "constants", "seed"))
}

func TestMergeOrderIrrelevantForDisjointTrees(t *testing.T) {
	a := mustParse(t, "x: {a: 1}\ny: [1, 2]\n")
	b := mustParse(t, "x: {b: 2}\nz: hello\n")

	ab := Clone(a)
	require.NoError(t, Merge(ab, b, ""))
	ba := Clone(b)
	require.NoError(t, Merge(ba, a, ""))

	require.Equal(t, ab, ba)
}

func TestMergeWithSelfIsNoOp(t *testing.T) {
	tree := mustParse(t, `
accelerator:
  type: ipu
  ipu_config:
    - deviceIterations(5)
architecture:
  gnn:
    hidden_dims: [32, 32]
    dropout: 0.1
`)
	before := Clone(tree)

	require.NoError(t, Merge(tree, Clone(tree), ""))
	require.Equal(t, before, tree)
}

func TestMergeConflictNamesPath(t *testing.T) {
	tests := []struct {
		name   string
		target string
		source string
		path   string
	}{
		{"scalar", "a: {b: {c: 1}}", "a: {b: {c: 2}}", "a.b.c"},
		{"mapping vs scalar", "a: {b: 1}", "a: 3", "a"},
		{"scalar vs mapping", "a: {b: 1}", "a: {b: {c: 1}}", "a.b"},
		{"sequence", "a: [1, 2]", "a: [1, 3]", "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Merge(mustParse(t, tt.target), mustParse(t, tt.source), "")
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrConfigConflict))

			var conflict *ConflictError
			require.True(t, errors.As(err, &conflict))
			require.Equal(t, tt.path, conflict.Path)
		})
	}
}

func TestMergePathPrefix(t *testing.T) {
	err := Merge(Tree{"x": 1}, Tree{"x": 2}, "root")
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "root.x", conflict.Path)
}

func TestMergeCopiesSourceValues(t *testing.T) {
	source := Tree{"nested": Tree{"k": "v"}}
	target := Tree{}
	require.NoError(t, Merge(target, source, ""))

	source["nested"].(Tree)["k"] = "changed"
	require.Equal(t, "v", String(target, "", "nested", "k"))
}

func TestMergeEqualNumbersOfDifferentTypes(t *testing.T) {
	target := mustParse(t, "trainer: {precision: 16}\n")
	require.NoError(t, Merge(target, mustParse(t, "trainer: {precision: 16.0}\n"), ""))
	require.Equal(t, 16, Int(target, 0, "trainer", "precision"))

	err := Merge(target, mustParse(t, "trainer: {precision: 16.5}\n"), "")
	require.True(t, errors.Is(err, ErrConfigConflict))

	err = Merge(Tree{"seed": 1}, Tree{"seed": "1"}, "")
	require.True(t, errors.Is(err, ErrConfigConflict))
}
