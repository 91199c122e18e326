package datamodule

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-molgraph/config"
	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
)

// FieldRandomWalkPE is the positional encoding holding random-walk return
// probabilities.
const FieldRandomWalkPE = "rw_pos"

const maxDegree = 5

var defaultAtomTypes = []string{"C", "N", "O", "S", "F", "Cl", "Br", "I", "P", "B"}

// FeaturizerConfig is the featurization section of a datamodule.
type FeaturizerConfig struct {
	AtomTypes []string `yaml:"atom_types"`

	// RWSteps is the number of random-walk steps of the rw_pos encoding.
	// Zero disables it.
	RWSteps int `yaml:"rw_steps"`
}

// Featurizer turns SMILES strings into graphs.
//
// Node features: one-hot element (last slot for anything not listed),
// aromatic flag, one-hot degree 0..5 and formal charge. Edge features:
// one-hot bond type. Every bond appears once per direction.
type Featurizer struct {
	cfg   FeaturizerConfig
	index map[string]int
}

func NewFeaturizer(cfg FeaturizerConfig) (*Featurizer, error) {
	if len(cfg.AtomTypes) == 0 {
		cfg.AtomTypes = append([]string(nil), defaultAtomTypes...)
	}
	if cfg.RWSteps < 0 {
		return nil, errors.Errorf("rw_steps must not be negative, got %d", cfg.RWSteps)
	}
	index := make(map[string]int, len(cfg.AtomTypes))
	for i, sym := range cfg.AtomTypes {
		if _, dup := index[sym]; dup {
			return nil, errors.Errorf("atom type %q listed twice", sym)
		}
		index[sym] = i
	}
	return &Featurizer{cfg: cfg, index: index}, nil
}

func (f *Featurizer) NodeDim() int { return len(f.cfg.AtomTypes) + 1 + 1 + maxDegree + 1 + 1 }
func (f *Featurizer) EdgeDim() int { return 4 }

// Featurize parses smiles and builds its graph. Labels are left empty.
func (f *Featurizer) Featurize(smiles string) (*graphdata.Graph, error) {
	mol, err := ParseSmiles(smiles)
	if err != nil {
		return nil, err
	}
	n := len(mol.Atoms)
	deg := mol.Degree()

	width := f.NodeDim()
	feat := make([]float32, n*width)
	for i, a := range mol.Atoms {
		row := feat[i*width : (i+1)*width]
		slot, ok := f.index[a.Symbol]
		if !ok {
			slot = len(f.cfg.AtomTypes)
		}
		row[slot] = 1
		off := len(f.cfg.AtomTypes) + 1
		if a.Aromatic {
			row[off] = 1
		}
		d := deg[i]
		if d > maxDegree {
			d = maxDegree
		}
		row[off+1+d] = 1
		row[off+2+maxDegree] = float32(a.Charge)
	}

	m := len(mol.Bonds) * 2
	src := make([]int32, 0, m)
	dst := make([]int32, 0, m)
	edgeFeat := make([]float32, m*f.EdgeDim())
	for i, b := range mol.Bonds {
		src = append(src, int32(b.From), int32(b.To))
		dst = append(dst, int32(b.To), int32(b.From))
		edgeFeat[(2*i)*f.EdgeDim()+int(b.Type)] = 1
		edgeFeat[(2*i+1)*f.EdgeDim()+int(b.Type)] = 1
	}

	g := &graphdata.Graph{Smiles: smiles}
	if g.Feat, err = tensor.FromFloat32([]int{n, width}, feat); err != nil {
		return nil, err
	}
	if g.EdgeIndex, err = tensor.FromInt32([]int{2, m}, append(src, dst...)); err != nil {
		return nil, err
	}
	if g.EdgeFeat, err = tensor.FromFloat32([]int{m, f.EdgeDim()}, edgeFeat); err != nil {
		return nil, err
	}
	if f.cfg.RWSteps > 0 {
		pe, err := randomWalkPE(mol, f.cfg.RWSteps)
		if err != nil {
			return nil, err
		}
		g.PE = map[string]*tensor.Tensor{FieldRandomWalkPE: pe}
	}
	return g, nil
}

// randomWalkPE returns, for every atom, the probability of a random walk
// returning to it after 1..steps steps: the diagonals of powers of the
// row-normalized adjacency matrix.
func randomWalkPE(mol *Molecule, steps int) (*tensor.Tensor, error) {
	n := len(mol.Atoms)
	out := make([]float32, n*steps)
	if n == 0 {
		return tensor.FromFloat32([]int{0, steps}, out)
	}

	deg := mol.Degree()
	walk := mat.NewDense(n, n, nil)
	for _, b := range mol.Bonds {
		walk.Set(b.From, b.To, walk.At(b.From, b.To)+1/float64(deg[b.From]))
		walk.Set(b.To, b.From, walk.At(b.To, b.From)+1/float64(deg[b.To]))
	}

	power := mat.DenseCopyOf(walk)
	for k := 0; k < steps; k++ {
		if k > 0 {
			next := mat.NewDense(n, n, nil)
			next.Mul(power, walk)
			power = next
		}
		for i := 0; i < n; i++ {
			out[i*steps+k] = float32(power.At(i, i))
		}
	}
	return tensor.FromFloat32([]int{n, steps}, out)
}

// Description describes the featurization, for the tracker and the cache.
func (f *Featurizer) Description() config.Tree {
	types := make([]any, len(f.cfg.AtomTypes))
	for i, t := range f.cfg.AtomTypes {
		types[i] = t
	}
	desc := config.Tree{
		"atom_types":    types,
		"atom_features": []any{"element_onehot", "aromatic", "degree_onehot", "formal_charge"},
		"edge_features": []any{"bond_type_onehot"},
		"node_dim":      f.NodeDim(),
		"edge_dim":      f.EdgeDim(),
	}
	if f.cfg.RWSteps > 0 {
		desc["pos_encoding"] = config.Tree{FieldRandomWalkPE: config.Tree{"ksteps": f.cfg.RWSteps}}
	}
	return desc
}

// Fingerprint identifies the featurization. Graphs cached under one
// fingerprint are never served to a featurizer with another.
func (f *Featurizer) Fingerprint() (string, error) {
	data, err := config.Marshal(f.Description())
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, data).String(), nil
}
