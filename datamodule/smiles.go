package datamodule

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BondType is the order of a bond.
type BondType int

const (
	BondSingle BondType = iota
	BondDouble
	BondTriple
	BondAromatic
)

// Atom is one heavy atom of a parsed molecule.
type Atom struct {
	Symbol   string // element symbol, capitalized
	Aromatic bool
	Charge   int
	Hydrogen int // explicit hydrogens from a bracket atom, -1 when implicit
}

type Bond struct {
	From, To int
	Type     BondType
}

// Molecule is the heavy-atom graph of a SMILES string.
type Molecule struct {
	Atoms []Atom
	Bonds []Bond
}

var (
	organicSubset  = []string{"Cl", "Br", "B", "C", "N", "O", "P", "S", "F", "I"}
	aromaticSubset = []string{"b", "c", "n", "o", "p", "s"}
)

type smilesParser struct {
	src  string
	pos  int
	mol  *Molecule
	prev int // atom the next bond starts from, -1 at a fragment start

	pendingBond *BondType
	branches    []int
	rings       map[int]ringOpen
}

type ringOpen struct {
	atom int
	bond *BondType
}

// ParseSmiles reads the heavy-atom graph of a SMILES string. Stereo marks
// are accepted and dropped; / and \ bonds read as single bonds.
func ParseSmiles(smiles string) (*Molecule, error) {
	p := &smilesParser{
		src:   strings.TrimSpace(smiles),
		mol:   &Molecule{},
		prev:  -1,
		rings: map[int]ringOpen{},
	}
	if p.src == "" {
		return nil, errors.New("empty smiles")
	}
	if err := p.parse(); err != nil {
		return nil, errors.WithMessagef(err, "smiles %q", smiles)
	}
	return p.mol, nil
}

func (p *smilesParser) parse() error {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '(':
			if p.prev < 0 {
				return errors.Errorf("branch without an atom at %d", p.pos)
			}
			p.branches = append(p.branches, p.prev)
			p.pos++
		case c == ')':
			if len(p.branches) == 0 {
				return errors.Errorf("unbalanced ) at %d", p.pos)
			}
			p.prev = p.branches[len(p.branches)-1]
			p.branches = p.branches[:len(p.branches)-1]
			p.pos++
		case c == '.':
			p.prev = -1
			p.pos++
		case c == '-' || c == '=' || c == '#' || c == ':' || c == '/' || c == '\\':
			if p.pendingBond != nil {
				return errors.Errorf("two bonds in a row at %d", p.pos)
			}
			bt := bondSymbol(c)
			p.pendingBond = &bt
			p.pos++
		case c >= '0' && c <= '9' || c == '%':
			if err := p.ringClosure(); err != nil {
				return err
			}
		case c == '[':
			if err := p.bracketAtom(); err != nil {
				return err
			}
		default:
			if err := p.organicAtom(); err != nil {
				return err
			}
		}
	}
	if len(p.branches) > 0 {
		return errors.New("unclosed branch")
	}
	if len(p.rings) > 0 {
		return errors.Errorf("%d unclosed ring bonds", len(p.rings))
	}
	if p.pendingBond != nil {
		return errors.New("dangling bond at end")
	}
	return nil
}

func bondSymbol(c byte) BondType {
	switch c {
	case '=':
		return BondDouble
	case '#':
		return BondTriple
	case ':':
		return BondAromatic
	default:
		return BondSingle
	}
}

func (p *smilesParser) addAtom(a Atom) {
	idx := len(p.mol.Atoms)
	p.mol.Atoms = append(p.mol.Atoms, a)
	if p.prev >= 0 {
		p.addBond(p.prev, idx, p.pendingBond)
	}
	p.pendingBond = nil
	p.prev = idx
}

// addBond links two atoms. Without an explicit bond two aromatic atoms
// share an aromatic bond and anything else a single bond.
func (p *smilesParser) addBond(from, to int, explicit *BondType) {
	bt := BondSingle
	if explicit != nil {
		bt = *explicit
	} else if p.mol.Atoms[from].Aromatic && p.mol.Atoms[to].Aromatic {
		bt = BondAromatic
	}
	p.mol.Bonds = append(p.mol.Bonds, Bond{From: from, To: to, Type: bt})
}

func (p *smilesParser) organicAtom() error {
	for _, sym := range organicSubset {
		if strings.HasPrefix(p.src[p.pos:], sym) {
			p.pos += len(sym)
			p.addAtom(Atom{Symbol: sym, Hydrogen: -1})
			return nil
		}
	}
	for _, sym := range aromaticSubset {
		if strings.HasPrefix(p.src[p.pos:], sym) {
			p.pos += len(sym)
			p.addAtom(Atom{Symbol: strings.ToUpper(sym), Aromatic: true, Hydrogen: -1})
			return nil
		}
	}
	return errors.Errorf("unexpected %q at %d", p.src[p.pos], p.pos)
}

// bracketAtom reads [isotope? symbol chiral? hcount? charge? class?].
func (p *smilesParser) bracketAtom() error {
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return errors.Errorf("unclosed bracket atom at %d", p.pos)
	}
	body := p.src[p.pos+1 : p.pos+end]
	p.pos += end + 1

	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i == len(body) {
		return errors.Errorf("bracket atom [%s] has no element", body)
	}

	atom := Atom{}
	c := body[i]
	switch {
	case c >= 'A' && c <= 'Z':
		atom.Symbol = string(c)
		i++
		if i < len(body) && body[i] >= 'a' && body[i] <= 'z' {
			atom.Symbol += string(body[i])
			i++
		}
	case c >= 'a' && c <= 'z':
		atom.Aromatic = true
		sym := string(c)
		i++
		if (sym == "s" || sym == "a") && i < len(body) && (body[i] == 'e' || body[i] == 's') {
			sym += string(body[i])
			i++
		}
		atom.Symbol = strings.ToUpper(sym[:1]) + sym[1:]
	case c == '*':
		atom.Symbol = "*"
		i++
	default:
		return errors.Errorf("bracket atom [%s] has no element", body)
	}

	for i < len(body) && body[i] == '@' {
		i++
	}
	if i < len(body) && body[i] == 'H' {
		i++
		atom.Hydrogen = 1
		j := i
		for j < len(body) && body[j] >= '0' && body[j] <= '9' {
			j++
		}
		if j > i {
			atom.Hydrogen, _ = strconv.Atoi(body[i:j])
			i = j
		}
	}
	if i < len(body) && (body[i] == '+' || body[i] == '-') {
		sign := 1
		if body[i] == '-' {
			sign = -1
		}
		sym := body[i]
		i++
		count := 1
		for i < len(body) && body[i] == sym {
			count++
			i++
		}
		j := i
		for j < len(body) && body[j] >= '0' && body[j] <= '9' {
			j++
		}
		if j > i {
			count, _ = strconv.Atoi(body[i:j])
			i = j
		}
		atom.Charge = sign * count
	}
	if i < len(body) && body[i] == ':' {
		i = len(body)
	}
	if i != len(body) {
		return errors.Errorf("cannot parse bracket atom [%s]", body)
	}
	p.addAtom(atom)
	return nil
}

func (p *smilesParser) ringClosure() error {
	if p.prev < 0 {
		return errors.Errorf("ring bond without an atom at %d", p.pos)
	}
	var label int
	if p.src[p.pos] == '%' {
		if p.pos+3 > len(p.src) {
			return errors.Errorf("truncated ring label at %d", p.pos)
		}
		n, err := strconv.Atoi(p.src[p.pos+1 : p.pos+3])
		if err != nil {
			return errors.Errorf("bad ring label at %d", p.pos)
		}
		label = n
		p.pos += 3
	} else {
		label = int(p.src[p.pos] - '0')
		p.pos++
	}

	open, ok := p.rings[label]
	if !ok {
		p.rings[label] = ringOpen{atom: p.prev, bond: p.pendingBond}
		p.pendingBond = nil
		return nil
	}
	delete(p.rings, label)
	if open.atom == p.prev {
		return errors.Errorf("ring %d closes on its own atom", label)
	}
	bond := open.bond
	if p.pendingBond != nil {
		if bond != nil && *bond != *p.pendingBond {
			return errors.Errorf("ring %d has conflicting bond types", label)
		}
		bond = p.pendingBond
	}
	p.pendingBond = nil
	p.addBond(open.atom, p.prev, bond)
	return nil
}

// Degree returns the number of bonds of every atom.
func (m *Molecule) Degree() []int {
	deg := make([]int, len(m.Atoms))
	for _, b := range m.Bonds {
		deg[b.From]++
		deg[b.To]++
	}
	return deg
}
