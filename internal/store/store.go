// Package store provides the durable key-value collections backing the
// opinion-map pipeline: sessions, models, and the embeddings cache.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist in a collection.
var ErrNotFound = errors.New("record not found")

// DB provides access to the durable collections. All collections live in a
// single sqlite database file.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database and initializes the schema.
func Open(ctx context.Context, dbPath string) (*DB, error) {
	// Enable WAL mode for better concurrency and set busy timeout
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// initSchema creates the collection tables if they don't exist.
func (d *DB) initSchema(ctx context.Context) error {
	schema := `
	-- Session records, stored as JSON keyed by session id
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Opaque serialized model blobs (e.g. fitted UMAP models)
	CREATE TABLE IF NOT EXISTS models (
		model_id   TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Embedding vectors keyed by hash of the source text
	CREATE TABLE IF NOT EXISTS embeddings_cache (
		text_hash TEXT PRIMARY KEY,
		dim       INTEGER NOT NULL,
		vector    BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`

	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// --- sessions collection ---

// GetSession returns the serialized session record for id.
func (d *DB) GetSession(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return data, nil
}

// GetAllSessions returns every serialized session record, oldest first.
func (d *DB) GetAllSessions(ctx context.Context) ([][]byte, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return records, nil
}

// PutSession inserts or replaces a session record.
func (d *DB) PutSession(ctx context.Context, id string, createdAt time.Time, data []byte) error {
	query := `
		INSERT INTO sessions (id, data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`
	_, err := d.db.ExecContext(ctx, query, id, data, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

// DeleteSession removes a session record. Returns ErrNotFound if absent.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSessions removes all session records.
func (d *DB) ClearSessions(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

// --- models collection ---

// PutModel inserts or replaces an opaque model blob.
func (d *DB) PutModel(ctx context.Context, modelID string, data []byte) error {
	query := `
		INSERT INTO models (model_id, data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET data = excluded.data
	`
	_, err := d.db.ExecContext(ctx, query, modelID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to put model: %w", err)
	}
	return nil
}

// GetModel returns a stored model blob.
func (d *DB) GetModel(ctx context.Context, modelID string) ([]byte, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx, `SELECT data FROM models WHERE model_id = ?`, modelID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return data, nil
}

// DeleteModel removes a model blob. Missing records are not an error.
func (d *DB) DeleteModel(ctx context.Context, modelID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM models WHERE model_id = ?`, modelID)
	return err
}

// ClearModels removes all model blobs.
func (d *DB) ClearModels(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM models`)
	return err
}

// --- embeddings cache collection ---

// CacheGet returns the cached vector for a text hash, if present.
func (d *DB) CacheGet(ctx context.Context, textHash string) ([]float32, bool, error) {
	var dim int
	var blob []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT dim, vector FROM embeddings_cache WHERE text_hash = ?`, textHash).Scan(&dim, &blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached embedding: %w", err)
	}
	vector, err := DecodeVector(blob)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt cached embedding for %s: %w", textHash, err)
	}
	if len(vector) != dim {
		return nil, false, fmt.Errorf("cached embedding dim mismatch for %s: have %d, want %d", textHash, len(vector), dim)
	}
	return vector, true, nil
}

// CachePut stores a vector under a text hash.
func (d *DB) CachePut(ctx context.Context, textHash string, vector []float32) error {
	query := `
		INSERT INTO embeddings_cache (text_hash, dim, vector)
		VALUES (?, ?, ?)
		ON CONFLICT(text_hash) DO UPDATE SET
			dim = excluded.dim,
			vector = excluded.vector
	`
	_, err := d.db.ExecContext(ctx, query, textHash, len(vector), EncodeVector(vector))
	if err != nil {
		return fmt.Errorf("failed to put cached embedding: %w", err)
	}
	return nil
}

// ClearCache removes all cached embeddings.
func (d *DB) ClearCache(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM embeddings_cache`)
	return err
}
