package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"voxelfit/internal/balancer"
)

// SQLiteStore keeps chunk results in a single SQLite database, one row per
// (model, parameter, chunk). Rows are scoped to a run ID; the database
// records its current run, so reopening the same path resumes the previous
// run's chunks by default.
type SQLiteStore struct {
	db     *sql.DB
	run    string
	logger *zap.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRunID pins the store to the given run instead of the database's
// current one. The pinned run becomes the current run for later opens.
func WithRunID(id string) Option {
	return func(s *SQLiteStore) { s.run = id }
}

// WithLogger attaches a logger for store diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteStore) { s.logger = logger }
}

// OpenSQLite opens (creating if needed) the results database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure results database: %w", err)
		}
	}

	s := &SQLiteStore{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.resolveRun(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("result store ready", zap.String("path", path), zap.String("run", s.run))
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		run         TEXT NOT NULL,
		model       TEXT NOT NULL,
		param       TEXT NOT NULL,
		chunk_start INTEGER NOT NULL,
		chunk_end   INTEGER NOT NULL,
		data        BLOB NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run, model, param, chunk_start)
	);
	CREATE INDEX IF NOT EXISTS idx_results_model ON results(run, model);
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize results schema: %w", err)
	}
	return nil
}

// resolveRun picks the run this store operates on. Without an explicit run
// the database's recorded run is resumed, so rerunning over the same output
// path skips its finished chunks; a fresh database mints a new run. The
// chosen run is recorded for the next open.
func (s *SQLiteStore) resolveRun() error {
	if s.run == "" {
		var stored string
		err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'run_id'`).Scan(&stored)
		switch {
		case err == nil:
			s.run = stored
			return nil
		case errors.Is(err, sql.ErrNoRows):
			s.run = uuid.NewString()
		default:
			return fmt.Errorf("read current run: %w", err)
		}
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('run_id', ?)`, s.run); err != nil {
		return fmt.Errorf("record current run: %w", err)
	}
	return nil
}

// RunID returns the run this store reads and writes.
func (s *SQLiteStore) RunID() string { return s.run }

func (s *SQLiteStore) HasChunk(ctx context.Context, model string, rng balancer.Range, params []string) (bool, error) {
	if len(params) == 0 || rng.Empty() {
		return false, nil
	}
	stmt, err := s.db.PrepareContext(ctx, `
		SELECT COUNT(*) FROM results
		WHERE run = ? AND model = ? AND param = ? AND chunk_start = ? AND chunk_end = ?`)
	if err != nil {
		return false, fmt.Errorf("prepare chunk lookup: %w", err)
	}
	defer stmt.Close()

	for _, param := range params {
		var count int
		row := stmt.QueryRowContext(ctx, s.run, model, param, rng.Start, rng.End)
		if err := row.Scan(&count); err != nil {
			return false, fmt.Errorf("look up chunk %s of %s: %w", rng, model, err)
		}
		if count == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *SQLiteStore) WriteChunk(ctx context.Context, model string, rng balancer.Range, params []string, values [][]float64) error {
	if err := checkChunkShape(rng, params, values); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk write: %w", err)
	}
	// A chunk-size change between runs leaves rows whose ranges straddle the
	// new chunking; drop them so stale values cannot shadow fresh ones on read.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM results
		WHERE run = ? AND model = ? AND chunk_start < ? AND chunk_end > ?`,
		s.run, model, rng.End, rng.Start); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear chunks overlapping %s of %s: %w", rng, model, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO results (run, model, param, chunk_start, chunk_end, data)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare chunk write: %w", err)
	}
	for i, param := range params {
		if _, err := stmt.ExecContext(ctx, s.run, model, param, rng.Start, rng.End, encodeFloats(values[i])); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("write chunk %s param %q of %s: %w", rng, param, model, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk %s of %s: %w", rng, model, err)
	}
	s.logger.Debug("chunk stored",
		zap.String("model", model),
		zap.String("range", rng.String()),
		zap.Int("params", len(params)))
	return nil
}

func (s *SQLiteStore) ReadParam(ctx context.Context, model, param string, numVoxels int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_start, chunk_end, data FROM results
		WHERE run = ? AND model = ? AND param = ?
		ORDER BY chunk_start`, s.run, model, param)
	if err != nil {
		return nil, fmt.Errorf("read parameter %q of %s: %w", param, model, err)
	}
	defer rows.Close()

	out := nanSlice(numVoxels)
	for rows.Next() {
		var start, end int
		var blob []byte
		if err := rows.Scan(&start, &end, &blob); err != nil {
			return nil, fmt.Errorf("scan parameter %q of %s: %w", param, model, err)
		}
		values, err := decodeFloats(blob)
		if err != nil {
			return nil, err
		}
		if start < 0 || end > numVoxels || len(values) != end-start {
			return nil, fmt.Errorf("stored chunk [%d, %d) of %s does not fit %d voxels", start, end, model, numVoxels)
		}
		copy(out[start:end], values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read parameter %q of %s: %w", param, model, err)
	}
	return out, nil
}

func (s *SQLiteStore) Chunks(ctx context.Context, model string) ([]balancer.Range, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chunk_start, chunk_end FROM results
		WHERE run = ? AND model = ?
		ORDER BY chunk_start`, s.run, model)
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", model, err)
	}
	defer rows.Close()

	var chunks []balancer.Range
	for rows.Next() {
		var rng balancer.Range
		if err := rows.Scan(&rng.Start, &rng.End); err != nil {
			return nil, fmt.Errorf("scan chunks of %s: %w", model, err)
		}
		chunks = append(chunks, rng)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) Invalidate(ctx context.Context, model string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invalidation: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run = ? AND model = ?`, s.run, model)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("invalidate %s: %w", model, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invalidation of %s: %w", model, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("invalidated stored results",
			zap.String("model", model),
			zap.Int64("rows", n))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
