package tracking

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

type Run struct {
	ID         string
	Name       string
	Project    string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Point is one logged value of a metric.
type Point struct {
	Step  int
	Value float64
}

// RunStore records runs, their metrics and their parameters in sqlite.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens or creates the run database at dbPath.
func OpenRunStore(dbPath string) (*RunStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open run store")
	}
	db.SetMaxOpenConns(1)

	s := &RunStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate run store")
	}
	return s, nil
}

func (s *RunStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS params (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (run_id, key),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_run_key ON metrics(run_id, key, step);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *RunStore) Close() error {
	return s.db.Close()
}

func (s *RunStore) CreateRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, project, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Project, run.Status, run.StartedAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrapf(err, "create run %s", run.ID)
}

func (s *RunStore) FinishRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("run %s not found", runID)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run      Run
		started  string
		finished sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, project, status, started_at, finished_at FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.Name, &run.Project, &run.Status, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query run %s", runID)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, errors.Wrap(err, "parse started_at")
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse finished_at")
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

// LogMetrics stores every metric of one step in a single transaction.
func (s *RunStore) LogMetrics(ctx context.Context, runID string, step int, metrics map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin metrics transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (run_id, step, key, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare metrics insert")
	}
	defer stmt.Close()

	for key, value := range metrics {
		var v any = value
		if math.IsNaN(value) || math.IsInf(value, 0) {
			v = nil
		}
		if _, err := stmt.ExecContext(ctx, runID, step, key, v); err != nil {
			return errors.Wrapf(err, "insert metric %s", key)
		}
	}
	return errors.Wrap(tx.Commit(), "commit metrics")
}

// Metric returns the history of key in step order. Values that were not
// finite read back as NaN.
func (s *RunStore) Metric(ctx context.Context, runID, key string) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, value FROM metrics WHERE run_id = ? AND key = ? ORDER BY step, rowid`, runID, key)
	if err != nil {
		return nil, errors.Wrapf(err, "query metric %s", key)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			p     Point
			value sql.NullFloat64
		)
		if err := rows.Scan(&p.Step, &value); err != nil {
			return nil, errors.Wrap(err, "scan metric")
		}
		p.Value = math.NaN()
		if value.Valid {
			p.Value = value.Float64
		}
		points = append(points, p)
	}
	return points, errors.Wrap(rows.Err(), "iterate metrics")
}

// MetricKeys lists the metric names logged for a run.
func (s *RunStore) MetricKeys(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM metrics WHERE run_id = ?`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query metric keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan metric key")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, errors.Wrap(rows.Err(), "iterate metric keys")
}

// LogParams upserts flattened run parameters.
func (s *RunStore) LogParams(ctx context.Context, runID string, params map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin params transaction")
	}
	defer tx.Rollback()

	for key, value := range params {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO params (run_id, key, value) VALUES (?, ?, ?)`, runID, key, value); err != nil {
			return errors.Wrapf(err, "insert param %s", key)
		}
	}
	return errors.Wrap(tx.Commit(), "commit params")
}

func (s *RunStore) Params(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query params")
	}
	defer rows.Close()

	params := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scan param")
		}
		params[k] = v
	}
	return params, errors.Wrap(rows.Err(), "iterate params")
}
