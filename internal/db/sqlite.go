package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

// migrations define the tables for corpora and detection runs.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS corpora (
    name          TEXT PRIMARY KEY,
    feature_names TEXT NOT NULL DEFAULT '[]',
    num_flows     INTEGER NOT NULL DEFAULT 0,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flows (
    corpus    TEXT NOT NULL REFERENCES corpora(name) ON DELETE CASCADE,
    seq       INTEGER NOT NULL,
    ts        REAL NOT NULL,
    features  TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (corpus, seq)
);

CREATE TABLE IF NOT EXISTS detection_runs (
    id          TEXT PRIMARY KEY,
    corpus      TEXT NOT NULL,
    detector    TEXT NOT NULL,
    config      TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON detection_runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_corpus ON detection_runs(corpus);

CREATE TABLE IF NOT EXISTS detection_records (
    run_id       TEXT NOT NULL REFERENCES detection_runs(id) ON DELETE CASCADE,
    idx          INTEGER NOT NULL,
    window_no    INTEGER NOT NULL,
    window_start REAL NOT NULL,
    mf_score     REAL NOT NULL DEFAULT 0.0,
    mb_score     REAL NOT NULL DEFAULT 0.0,
    threshold    REAL NOT NULL DEFAULT 0.0,
    PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS abnormal_windows (
    run_id     TEXT NOT NULL REFERENCES detection_runs(id) ON DELETE CASCADE,
    component  TEXT NOT NULL,
    idx        INTEGER NOT NULL,
    PRIMARY KEY (run_id, component, idx)
);
`,
	},
	// Migration 2: identified contributors
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS contributors (
    run_id      TEXT NOT NULL REFERENCES detection_runs(id) ON DELETE CASCADE,
    mode        TEXT NOT NULL CHECK(mode IN ('mf', 'mb')),
    rank        INTEGER NOT NULL,
    state       INTEGER NOT NULL,
    next_state  INTEGER NOT NULL DEFAULT 0,
    transition  BOOLEAN NOT NULL DEFAULT 0,
    score       REAL NOT NULL DEFAULT 0.0,
    PRIMARY KEY (run_id, mode, rank)
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Corpora ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveCorpus(ctx context.Context, name string, featureNames []string, flows []flow.Record) error {
	names, err := json.Marshal(featureNames)
	if err != nil {
		return fmt.Errorf("marshal feature names: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO corpora(name, feature_names, num_flows, updated_at)
        VALUES(?,?,?,?)
        ON CONFLICT(name) DO UPDATE SET
            feature_names = excluded.feature_names,
            num_flows     = excluded.num_flows,
            updated_at    = excluded.updated_at
    `, name, string(names), len(flows), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert corpus: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM flows WHERE corpus=?`, name); err != nil {
		return fmt.Errorf("delete flows: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flows(corpus, seq, ts, features) VALUES(?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare flow insert: %w", err)
	}
	defer stmt.Close()
	for i, f := range flows {
		if len(f.Features) != len(featureNames) {
			return fmt.Errorf("flow %d has %d features, want %d", i, len(f.Features), len(featureNames))
		}
		features, err := json.Marshal(f.Features)
		if err != nil {
			return fmt.Errorf("marshal flow %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, name, i, f.Timestamp, string(features)); err != nil {
			return fmt.Errorf("insert flow %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) LoadCorpus(ctx context.Context, name string) (*CorpusRecord, []flow.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name,feature_names,num_flows,updated_at FROM corpora WHERE name=?`, name)
	rec, err := scanCorpus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("corpus %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get corpus: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq,ts,features FROM flows WHERE corpus=? ORDER BY seq ASC`, name)
	if err != nil {
		return nil, nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	flows := make([]flow.Record, 0, rec.NumFlows)
	for rows.Next() {
		var f flow.Record
		var features string
		if err := rows.Scan(&f.Seq, &f.Timestamp, &features); err != nil {
			return nil, nil, fmt.Errorf("scan flow: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &f.Features); err != nil {
			return nil, nil, fmt.Errorf("decode flow %d: %w", f.Seq, err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate flows: %w", err)
	}
	return rec, flows, nil
}

func (s *sqliteStore) ListCorpora(ctx context.Context) ([]*CorpusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name,feature_names,num_flows,updated_at FROM corpora ORDER BY updated_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list corpora: %w", err)
	}
	defer rows.Close()

	var out []*CorpusRecord
	for rows.Next() {
		rec, err := scanCorpus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan corpus: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("save run: empty id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	config := run.Config
	if config == "" {
		config = "{}"
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO detection_runs(id, corpus, detector, config, created_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            corpus   = excluded.corpus,
            detector = excluded.detector,
            config   = excluded.config
    `, run.ID, run.Corpus, run.Detector, config, formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	// windows
	if _, err := tx.ExecContext(ctx, `DELETE FROM detection_records WHERE run_id=?`, run.ID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	for _, w := range run.Windows {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO detection_records(run_id, idx, window_no, window_start, mf_score, mb_score, threshold)
            VALUES(?,?,?,?,?,?,?)
        `, run.ID, w.Index, w.Window, w.WindowStart, w.ModelFree, w.ModelBased, w.Threshold)
		if err != nil {
			return fmt.Errorf("insert record %d: %w", w.Index, err)
		}
	}

	// abnormal windows
	if _, err := tx.ExecContext(ctx, `DELETE FROM abnormal_windows WHERE run_id=?`, run.ID); err != nil {
		return fmt.Errorf("delete abnormal windows: %w", err)
	}
	for _, a := range run.Abnormal {
		_, err := tx.ExecContext(ctx, `INSERT INTO abnormal_windows(run_id, component, idx) VALUES(?,?,?)`,
			run.ID, a.Component, a.Index)
		if err != nil {
			return fmt.Errorf("insert abnormal window: %w", err)
		}
	}

	// contributors
	if _, err := tx.ExecContext(ctx, `DELETE FROM contributors WHERE run_id=?`, run.ID); err != nil {
		return fmt.Errorf("delete contributors: %w", err)
	}
	for _, c := range run.Contributors {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO contributors(run_id, mode, rank, state, next_state, transition, score)
            VALUES(?,?,?,?,?,?,?)
        `, run.ID, c.Mode, c.Rank, c.State, c.Next, c.Transition, c.Score)
		if err != nil {
			return fmt.Errorf("insert contributor: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,corpus,detector,config,created_at FROM detection_runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if run.Windows, err = s.queryWindows(ctx, id); err != nil {
		return nil, err
	}
	if run.Abnormal, err = s.queryAbnormal(ctx, id); err != nil {
		return nil, err
	}
	if run.Contributors, err = s.queryContributors(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,corpus,detector,config,created_at
		FROM detection_runs
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryWindows(ctx context.Context, id string) ([]WindowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx,window_no,window_start,mf_score,mb_score,threshold
		FROM detection_records WHERE run_id=? ORDER BY idx ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []WindowRecord
	for rows.Next() {
		var w WindowRecord
		if err := rows.Scan(&w.Index, &w.Window, &w.WindowStart, &w.ModelFree, &w.ModelBased, &w.Threshold); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryAbnormal(ctx context.Context, id string) ([]AbnormalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component,idx FROM abnormal_windows WHERE run_id=? ORDER BY component ASC, idx ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query abnormal windows: %w", err)
	}
	defer rows.Close()

	var out []AbnormalRecord
	for rows.Next() {
		var a AbnormalRecord
		if err := rows.Scan(&a.Component, &a.Index); err != nil {
			return nil, fmt.Errorf("scan abnormal window: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryContributors(ctx context.Context, id string) ([]ContributorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mode,rank,state,next_state,transition,score
		FROM contributors WHERE run_id=? ORDER BY mode ASC, rank ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query contributors: %w", err)
	}
	defer rows.Close()

	var out []ContributorRecord
	for rows.Next() {
		var c ContributorRecord
		if err := rows.Scan(&c.Mode, &c.Rank, &c.State, &c.Next, &c.Transition, &c.Score); err != nil {
			return nil, fmt.Errorf("scan contributor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Scanners ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCorpus(row rowScanner) (*CorpusRecord, error) {
	rec := &CorpusRecord{}
	var names, updatedAt string
	if err := row.Scan(&rec.Name, &names, &rec.NumFlows, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(names), &rec.FeatureNames); err != nil {
		return nil, fmt.Errorf("decode feature names of %q: %w", rec.Name, err)
	}
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return rec, nil
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	var createdAt string
	if err := row.Scan(&run.ID, &run.Corpus, &run.Detector, &run.Config, &createdAt); err != nil {
		return nil, err
	}
	run.CreatedAt, _ = parseTime(createdAt)
	return run, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime handles the SQLite datetime formats the store may read back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
