// Package sqlite keeps runs, their metrics and parameter checkpoints in a
// single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/cnclabs/fairkg/internal/metrics"
	"github.com/cnclabs/fairkg/internal/nn"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("sqlite: not found")

// Store is a run store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Run is one invocation of train, retrain or evaluate.
type Run struct {
	ID        string
	Name      string
	Kind      string
	Config    string // resolved configuration as YAML
	StartedAt time.Time
}

// OpenSQLite opens (creating if needed) the store at path with WAL mode and
// foreign keys enabled.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: slog.Default()}, nil
}

// SetLogger sets where sink write failures are reported.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	name TEXT,
	kind TEXT NOT NULL,
	config TEXT,
	started_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	step INTEGER NOT NULL,
	value REAL NOT NULL,
	logged_at TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_metrics_run_name ON metrics(run_id, name, step);

CREATE TABLE IF NOT EXISTS params (
	run_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	name TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY(run_id, tag, name),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// CreateRun records a new run and returns it with a fresh id.
func (s *Store) CreateRun(ctx context.Context, name, kind, config string) (Run, error) {
	r := Run{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Config:    config,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, name, kind, config, started_at)
VALUES (?, ?, ?, ?, ?);
`, r.ID, r.Name, r.Kind, r.Config, r.StartedAt.Format(timeLayout))
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, kind, config, started_at FROM runs WHERE id = ?;
`, id)
	return scanRun(row)
}

// LatestRun returns the most recently started run of kind.
func (s *Store) LatestRun(ctx context.Context, kind string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, kind, config, started_at FROM runs
WHERE kind = ?
ORDER BY started_at DESC, rowid DESC
LIMIT 1;
`, kind)
	return scanRun(row)
}

func scanRun(row *sql.Row) (Run, error) {
	var r Run
	var name, config sql.NullString
	var started string
	if err := row.Scan(&r.ID, &name, &r.Kind, &config, &started); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	r.Name = name.String
	r.Config = config.String
	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: bad start time: %w", r.ID, err)
	}
	r.StartedAt = t
	return r, nil
}

// LogMetric stores one metric value. Non-finite values are rejected.
func (s *Store) LogMetric(ctx context.Context, runID, name string, value float64, step int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("metric %s at step %d is not finite: %v", name, step, value)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics (run_id, name, step, value, logged_at)
VALUES (?, ?, ?, ?, ?);
`, runID, name, step, value, time.Now().UTC().Format(timeLayout))
	return err
}

// Metrics returns the values logged under name for a run, ordered by step.
func (s *Store) Metrics(ctx context.Context, runID, name string) ([]metrics.Point, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, value, step FROM metrics
WHERE run_id = ? AND name = ?
ORDER BY step, rowid;
`, runID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metrics.Point
	for rows.Next() {
		var p metrics.Point
		if err := rows.Scan(&p.Name, &p.Value, &p.Step); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Sink returns a metrics.Sink writing into runID. Write failures are logged
// and dropped.
func (s *Store) Sink(runID string) metrics.Sink {
	return &sink{store: s, runID: runID}
}

type sink struct {
	store *Store
	runID string
}

func (k *sink) Log(name string, value float64, step int) {
	if err := k.store.LogMetric(context.Background(), k.runID, name, value, step); err != nil {
		k.store.logger.Warn("failed to store metric", "run", k.runID, "name", name, "step", step, "err", err)
	}
}

// SaveParams checkpoints params under tag (e.g. "scorer", "filter.gender"),
// replacing an earlier checkpoint with the same tag.
func (s *Store) SaveParams(ctx context.Context, runID, tag string, epoch int, params []*nn.Param) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range params {
		blob, err := p.Matrix().MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode %s: %w", p.Name, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO params (run_id, tag, name, epoch, data)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id, tag, name) DO UPDATE SET
	epoch=excluded.epoch,
	data=excluded.data;
`, runID, tag, p.Name, epoch, blob)
		if err != nil {
			return fmt.Errorf("save %s/%s: %w", tag, p.Name, err)
		}
	}
	return tx.Commit()
}

// LoadParams restores params from the checkpoint tag of runID and returns the
// epoch it was taken at. Every param must be present with matching shape.
func (s *Store) LoadParams(ctx context.Context, runID, tag string, params []*nn.Param) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, epoch, data FROM params WHERE run_id = ? AND tag = ?;
`, runID, tag)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type blob struct {
		epoch int
		data  []byte
	}
	saved := make(map[string]blob)
	for rows.Next() {
		var name string
		var b blob
		if err := rows.Scan(&name, &b.epoch, &b.data); err != nil {
			return 0, err
		}
		saved[name] = b
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	epoch := 0
	for _, p := range params {
		b, ok := saved[p.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s/%s in run %s", ErrNotFound, tag, p.Name, runID)
		}
		var m mat.Dense
		if err := m.UnmarshalBinary(b.data); err != nil {
			return 0, fmt.Errorf("decode %s/%s: %w", tag, p.Name, err)
		}
		if r, c := m.Dims(); r != p.Rows || c != p.Cols {
			return 0, fmt.Errorf("checkpoint %s/%s is %dx%d, want %dx%d", tag, p.Name, r, c, p.Rows, p.Cols)
		}
		copy(p.Data, m.RawMatrix().Data)
		epoch = b.epoch
	}
	return epoch, nil
}
