package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/HendryAvila/activitylog/internal/faults"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteConfig configures SQLiteBackend.
type SQLiteConfig struct {
	// Dir holds vectors.db. Empty means an in-memory database.
	Dir      string
	Embedder Embedder
	// BatchLimit caps Upsert size. Defaults to 1000.
	BatchLimit int
	// MinScore drops matches scoring below it when positive.
	MinScore float64
}

// SQLiteBackend stores normalized embeddings as float32 blobs and scores
// candidates in the time window by cosine similarity.
type SQLiteBackend struct {
	mu     sync.RWMutex
	db     *sql.DB
	cfg    SQLiteConfig
	closed bool
}

// NewSQLiteBackend opens or creates the vectors table.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("vector: sqlite backend needs an embedder")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}

	dsn := ":memory:"
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, fmt.Errorf("vector: create dir: %w", err)
		}
		dsn = filepath.Join(cfg.Dir, "vectors.db")
	}
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vector: open database: %w", err)
	}
	if cfg.Dir == "" {
		db.SetMaxOpenConns(1)
	}

	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("vector: pragma %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS vectors (
			id             TEXT PRIMARY KEY,
			source_db_id   INTEGER NOT NULL,
			timestamp_unix INTEGER NOT NULL,
			document       TEXT NOT NULL,
			metadata_json  TEXT NOT NULL,
			embedder       TEXT NOT NULL,
			embedding      BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_source ON vectors(source_db_id);
		CREATE INDEX IF NOT EXISTS idx_vectors_ts ON vectors(timestamp_unix);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vector: migrate: %w", err)
	}
	return &SQLiteBackend{db: db, cfg: cfg}, nil
}

func (b *SQLiteBackend) MaxBatch() int { return b.cfg.BatchLimit }

func (b *SQLiteBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if len(records) > b.cfg.BatchLimit {
		return fmt.Errorf("vector: batch of %d exceeds limit %d", len(records), b.cfg.BatchLimit)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	docs := make([]string, len(records))
	for i, r := range records {
		docs[i] = r.Document
	}
	vecs, err := b.cfg.Embedder.Embed(ctx, docs)
	if err != nil {
		return faults.WrapClassified("vector: embed", err)
	}
	if len(vecs) != len(records) {
		return fmt.Errorf("vector: embedder returned %d vectors for %d documents", len(vecs), len(records))
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.WrapClassified("vector: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (id, source_db_id, timestamp_unix, document, metadata_json, embedder, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_db_id = excluded.source_db_id,
			timestamp_unix = excluded.timestamp_unix,
			document = excluded.document,
			metadata_json = excluded.metadata_json,
			embedder = excluded.embedder,
			embedding = excluded.embedding`)
	if err != nil {
		return faults.WrapClassified("vector: prepare upsert", err)
	}
	defer func() { _ = stmt.Close() }()

	name := b.cfg.Embedder.Name()
	for i, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("vector: encode metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Metadata.SourceDBID, r.Metadata.TimestampUnix,
			r.Document, string(meta), name, encodeVector(vecs[i])); err != nil {
			return faults.WrapClassified("vector: upsert "+r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return faults.WrapClassified("vector: commit", err)
	}
	return nil
}

func (b *SQLiteBackend) Query(ctx context.Context, text string, k int, where *TimeRange) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	qv, err := b.cfg.Embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, faults.WrapClassified("vector: embed query", err)
	}

	q := `SELECT id, document, metadata_json, embedder, embedding FROM vectors`
	var args []any
	if where != nil {
		q += ` WHERE timestamp_unix >= ? AND timestamp_unix <= ?`
		args = append(args, where.Start, where.End)
	}
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.WrapClassified("vector: query", err)
	}
	defer func() { _ = rows.Close() }()

	name := b.cfg.Embedder.Name()
	var matches []Match
	for rows.Next() {
		var (
			m        Match
			metaJSON string
			embedder string
			blob     []byte
		)
		if err := rows.Scan(&m.ID, &m.Document, &metaJSON, &embedder, &blob); err != nil {
			return nil, faults.WrapClassified("vector: scan", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, faults.Wrap(faults.KindCorruption, "vector: decode metadata "+m.ID, err)
		}
		if embedder == name {
			m.Score = Cosine(qv[0], decodeVector(blob))
		}
		if b.cfg.MinScore > 0 && m.Score < b.cfg.MinScore {
			continue
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.WrapClassified("vector: query", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Metadata.TimestampUnix > matches[j].Metadata.TimestampUnix
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (b *SQLiteBackend) MaxSourceID(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	var id int64
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(source_db_id), 0) FROM vectors`).Scan(&id); err != nil {
		return 0, faults.WrapClassified("vector: max source id", err)
	}
	return id, nil
}

func (b *SQLiteBackend) DeleteBefore(ctx context.Context, unix int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM vectors WHERE timestamp_unix < ?`, unix)
	if err != nil {
		return 0, faults.WrapClassified("vector: delete before", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, faults.WrapClassified("vector: count", err)
	}
	return n, nil
}

func (b *SQLiteBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM vectors`)
	return faults.WrapClassified("vector: reset", err)
}

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
