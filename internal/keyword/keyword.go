// Package keyword provides the optional lexical index for hybrid search.
//
// Chunks are indexed into a SQLite FTS5 table and searched with BM25
// ranking. The index is local, embedded, and self-migrating; a nil *Index
// disables the lexical leg of hybrid retrieval entirely.
package keyword

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/qiyuan-ai/agentchat/internal/knowledge"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens the SQLite database backing the keyword index.
func Open(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return db, nil
}

// Migrate applies pending schema migrations from the embedded filesystem.
func Migrate(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// Don't Close() m: the sqlite driver shares the caller's connection.

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Index is the FTS5-backed lexical index.
//
// Safe for concurrent use; SQLite serializes writers and WAL keeps
// readers unblocked.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIndex creates a keyword index over an opened, migrated database.
func NewIndex(db *sql.DB, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{db: db, logger: logger}
}

// Add indexes chunks for lexical search. Existing rows for the same chunk
// ids are not deduplicated here; callers delete by file before re-indexing.
func (ix *Index) Add(ctx context.Context, collectionID string, chunks []knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks_fts (content, summary, chunk_id, file_id, collection_id)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare index insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range chunks {
		c := &chunks[i]
		if _, err := stmt.ExecContext(ctx, c.Content, c.Summary, c.ChunkID, c.FileID, collectionID); err != nil {
			return fmt.Errorf("index chunk %q: %w", c.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index transaction: %w", err)
	}

	ix.logger.Debug("indexed chunks", "collection", collectionID, "count", len(chunks))
	return nil
}

// Search returns the topK best BM25 matches for the query within the
// collection. Scores are negated BM25 ranks, so higher is better. A query
// with no searchable tokens yields an empty result.
func (ix *Index) Search(ctx context.Context, collectionID, query string, topK int) ([]knowledge.Hit, error) {
	match := ftsQuery(query)
	if match == "" || topK <= 0 {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT chunk_id, file_id, content, summary, bm25(chunks_fts) AS rank
		 FROM chunks_fts
		 WHERE chunks_fts MATCH ? AND collection_id = ?
		 ORDER BY rank
		 LIMIT ?`,
		match, collectionID, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search in %q: %w", collectionID, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []knowledge.Hit
	for rows.Next() {
		var h knowledge.Hit
		var rank float64
		if err := rows.Scan(&h.ChunkID, &h.FileID, &h.Content, &h.Summary, &rank); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		// bm25() returns smaller-is-better ranks; flip so higher is better.
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keyword search in %q: %w", collectionID, err)
	}

	return hits, nil
}

// DeleteByFile removes every indexed chunk of a file from the collection.
func (ix *Index) DeleteByFile(ctx context.Context, collectionID, fileID string) error {
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE collection_id = ? AND file_id = ?`, collectionID, fileID)
	if err != nil {
		return fmt.Errorf("delete file %q from keyword index: %w", fileID, err)
	}
	return nil
}

// Count returns the number of indexed chunks in the collection.
func (ix *Index) Count(ctx context.Context, collectionID string) (int64, error) {
	var n int64
	err := ix.db.QueryRowContext(ctx,
		`SELECT count(*) FROM chunks_fts WHERE collection_id = ?`, collectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count keyword index: %w", err)
	}
	return n, nil
}

// ftsQuery converts free text into a safe FTS5 match expression.
// Tokens are quoted and OR-ed so user punctuation cannot break the
// query syntax.
func ftsQuery(query string) string {
	tokens := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return ""
	}

	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	return strings.Join(quoted, " OR ")
}
