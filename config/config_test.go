package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	tree := Tree{
		"constants": Tree{"name": "run", "seed": 7},
		"metrics":   []any{Tree{"name": "mae", "metric": "mae"}},
	}
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SaveFile(path, tree))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, tree, loaded)
}

func TestParseRejectsNonMappingRoot(t *testing.T) {
	_, err := Parse([]byte("- a\n- b\n"))
	require.Error(t, err)

	empty, err := Parse(nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestCloneIsDeep(t *testing.T) {
	tree := Tree{"a": Tree{"b": []any{1, Tree{"c": 2}}}}
	clone := Clone(tree)

	clone["a"].(Tree)["b"].([]any)[1].(Tree)["c"] = 3
	require.Equal(t, 2, tree["a"].(Tree)["b"].([]any)[1].(Tree)["c"])
}

func TestTypedAccessors(t *testing.T) {
	tree := Tree{"n": 3.0, "f": 2, "s": "x", "bad": "y", "list": []any{"a", "b"}}

	require.Equal(t, 3, Int(tree, 0, "n"))
	require.Equal(t, 9, Int(tree, 9, "bad"))
	require.Equal(t, 2.0, Float(tree, 0, "f"))
	require.Equal(t, "x", String(tree, "", "s"))
	require.Equal(t, "def", String(tree, "def", "missing"))

	list, err := Strings(tree["list"])
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, list)

	_, err = Strings(tree["s"])
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	var out struct {
		InDim      int    `yaml:"in_dim"`
		HiddenDims []int  `yaml:"hidden_dims"`
		Activation string `yaml:"activation"`
	}
	require.NoError(t, Decode(Tree{"in_dim": 4, "hidden_dims": []any{8, 8}, "activation": "relu"}, &out))
	require.Equal(t, 4, out.InDim)
	require.Equal(t, []int{8, 8}, out.HiddenDims)
	require.Equal(t, "relu", out.Activation)
}
