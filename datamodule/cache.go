package datamodule

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-molgraph/graphdata"
	"github.com/tsawler/go-molgraph/tensor"
)

// GraphCache stores featurized graphs in sqlite, keyed by featurizer
// fingerprint and SMILES.
type GraphCache struct {
	db *sql.DB
}

// OpenGraphCache opens or creates the cache database at path. ":memory:"
// gives a private in-memory cache.
func OpenGraphCache(path string) (*GraphCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open graph cache")
	}
	// One connection keeps an in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	c := &GraphCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate graph cache")
	}
	return c, nil
}

func (c *GraphCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graphs (
		fingerprint TEXT NOT NULL,
		smiles TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (fingerprint, smiles)
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

func (c *GraphCache) Close() error {
	return c.db.Close()
}

type storedTensor struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"values,omitempty"`
	Index  []int32   `json:"index,omitempty"`
}

type storedGraph struct {
	Feat      storedTensor            `json:"feat"`
	EdgeFeat  *storedTensor           `json:"edge_feat,omitempty"`
	EdgeIndex storedTensor            `json:"edge_index"`
	PE        map[string]storedTensor `json:"pe,omitempty"`
}

func storeFloat(t *tensor.Tensor) (storedTensor, error) {
	values, err := t.Float32Values()
	if err != nil {
		return storedTensor{}, err
	}
	return storedTensor{Shape: t.Shape, Values: values}, nil
}

func (s storedTensor) float() (*tensor.Tensor, error) {
	values := s.Values
	if values == nil {
		values = []float32{}
	}
	return tensor.FromFloat32(s.Shape, values)
}

func encodeGraph(g *graphdata.Graph) ([]byte, error) {
	var sg storedGraph
	var err error
	if sg.Feat, err = storeFloat(g.Feat); err != nil {
		return nil, err
	}
	if g.EdgeFeat != nil {
		ef, err := storeFloat(g.EdgeFeat)
		if err != nil {
			return nil, err
		}
		sg.EdgeFeat = &ef
	}
	index, err := g.EdgeIndex.GetInt32Data()
	if err != nil {
		return nil, err
	}
	sg.EdgeIndex = storedTensor{Shape: g.EdgeIndex.Shape, Index: index}
	if len(g.PE) > 0 {
		sg.PE = make(map[string]storedTensor, len(g.PE))
		for k, pe := range g.PE {
			if sg.PE[k], err = storeFloat(pe); err != nil {
				return nil, err
			}
		}
	}
	return json.Marshal(sg)
}

func decodeGraph(smiles string, data []byte) (*graphdata.Graph, error) {
	var sg storedGraph
	if err := json.Unmarshal(data, &sg); err != nil {
		return nil, err
	}
	g := &graphdata.Graph{Smiles: smiles}
	var err error
	if g.Feat, err = sg.Feat.float(); err != nil {
		return nil, err
	}
	if sg.EdgeFeat != nil {
		if g.EdgeFeat, err = sg.EdgeFeat.float(); err != nil {
			return nil, err
		}
	}
	index := sg.EdgeIndex.Index
	if index == nil {
		index = []int32{}
	}
	if g.EdgeIndex, err = tensor.FromInt32(sg.EdgeIndex.Shape, index); err != nil {
		return nil, err
	}
	if len(sg.PE) > 0 {
		g.PE = make(map[string]*tensor.Tensor, len(sg.PE))
		for k, st := range sg.PE {
			if g.PE[k], err = st.float(); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Get returns the cached graph of smiles, or nil when absent.
func (c *GraphCache) Get(ctx context.Context, fingerprint, smiles string) (*graphdata.Graph, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM graphs WHERE fingerprint = ? AND smiles = ?`, fingerprint, smiles).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query graph cache")
	}
	g, err := decodeGraph(smiles, data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode cached graph %q", smiles)
	}
	return g, nil
}

// Put stores the graph of smiles, replacing any previous entry. Labels are
// not stored.
func (c *GraphCache) Put(ctx context.Context, fingerprint string, g *graphdata.Graph) error {
	data, err := encodeGraph(g)
	if err != nil {
		return errors.Wrapf(err, "encode graph %q", g.Smiles)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO graphs (fingerprint, smiles, data) VALUES (?, ?, ?)`,
		fingerprint, g.Smiles, data)
	return errors.Wrap(err, "store graph")
}

// Count returns the number of graphs stored under fingerprint.
func (c *GraphCache) Count(ctx context.Context, fingerprint string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graphs WHERE fingerprint = ?`, fingerprint).Scan(&n)
	return n, errors.Wrap(err, "count cached graphs")
}
