package datamodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSmiles(t *testing.T) {
	tests := []struct {
		smiles    string
		atoms     int
		bonds     int
		bondTypes map[BondType]int
	}{
		{"C", 1, 0, nil},
		{"CCO", 3, 2, map[BondType]int{BondSingle: 2}},
		{"CC(=O)O", 4, 3, map[BondType]int{BondSingle: 2, BondDouble: 1}},
		{"C#N", 2, 1, map[BondType]int{BondTriple: 1}},
		{"c1ccccc1", 6, 6, map[BondType]int{BondAromatic: 6}},
		{"C1CC1", 3, 3, map[BondType]int{BondSingle: 3}},
		{"ClC(Br)F", 4, 3, nil},
		{"C%10CC%10", 3, 3, nil},
		{"[Na+].[Cl-]", 2, 0, nil},
		{"F/C=C/F", 4, 3, map[BondType]int{BondSingle: 2, BondDouble: 1}},
		{"C[C@@H](N)O", 4, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.smiles, func(t *testing.T) {
			mol, err := ParseSmiles(tt.smiles)
			require.NoError(t, err)
			require.Len(t, mol.Atoms, tt.atoms)
			require.Len(t, mol.Bonds, tt.bonds)
			if tt.bondTypes != nil {
				got := map[BondType]int{}
				for _, b := range mol.Bonds {
					got[b.Type]++
				}
				require.Equal(t, tt.bondTypes, got)
			}
		})
	}
}

func TestParseSmilesBracketAtoms(t *testing.T) {
	mol, err := ParseSmiles("[NH4+]")
	require.NoError(t, err)
	require.Equal(t, Atom{Symbol: "N", Charge: 1, Hydrogen: 4}, mol.Atoms[0])

	mol, err = ParseSmiles("[13CH3-2]")
	require.NoError(t, err)
	require.Equal(t, Atom{Symbol: "C", Charge: -2, Hydrogen: 3}, mol.Atoms[0])

	mol, err = ParseSmiles("[se]1cccc1")
	require.NoError(t, err)
	require.Equal(t, "Se", mol.Atoms[0].Symbol)
	require.True(t, mol.Atoms[0].Aromatic)

	mol, err = ParseSmiles("[O--]")
	require.NoError(t, err)
	require.Equal(t, -2, mol.Atoms[0].Charge)
}

func TestParseSmilesErrors(t *testing.T) {
	for _, smiles := range []string{"", "C(", "C)", "C1CC", "[Xx", "C==C", "(C)", "1CC", "CQ", "C="} {
		t.Run(smiles, func(t *testing.T) {
			_, err := ParseSmiles(smiles)
			require.Error(t, err)
		})
	}
}

func TestMoleculeDegree(t *testing.T) {
	mol, err := ParseSmiles("CC(C)(C)C")
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 1, 1, 1}, mol.Degree())
}
