// Package metadata implements the durable document+chunk store: documents
// keyed by string id, chunks keyed by the integer id assigned by the vector
// store, backed by SQLite (modernc.org/sqlite, pure Go, no CGO) with a
// bounded LRU read cache in front of both keyspaces.
package metadata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/voxai/voxcore/internal/verrors"
)

// Document is a source item's metadata: identity, source descriptor,
// recency timestamp, and an open metadata map (conventionally namespace,
// conversation_id, role, message_id, type, file_path, plus freeform keys).
type Document struct {
	ID        string
	Source    string
	Timestamp time.Time
	Metadata  map[string]any
}

// Chunk is a retrievable unit of content: the vector lives at the same id
// in the vector store, not here.
type Chunk struct {
	ID         uint64
	DocID      string
	Content    string
	StartLine  *int
	EndLine    *int
	TokenCount int
}

const cacheSize = 4096

// Store is the SQLite-backed document+chunk store. The driver is restricted
// to a single open connection, so all writes serialize through it; each save
// commits before returning.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	docCache   *lru.Cache[string, *Document]
	chunkCache *lru.Cache[uint64, *Chunk]
	closed     bool
}

// Open opens (creating if necessary) the metadata database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, verrors.IOError(fmt.Sprintf("creating metadata directory for %s", path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, verrors.IOError(fmt.Sprintf("opening metadata database %s", path), err)
	}

	// Single connection: one writer at a time, no SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, verrors.IOError("setting metadata database pragma", err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	docCache, _ := lru.New[string, *Document](cacheSize)
	chunkCache, _ := lru.New[uint64, *Chunk](cacheSize)

	return &Store{db: db, docCache: docCache, chunkCache: chunkCache}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		metadata TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY,
		doc_id TEXT NOT NULL,
		content TEXT NOT NULL,
		start_line INTEGER,
		end_line INTEGER,
		token_count INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return verrors.IOError("initializing metadata schema", err)
	}
	return nil
}

// SaveDocument writes doc, overwriting any existing record with the same
// id. Re-ingesting a document id replaces the whole record. The write
// commits before returning.
func (s *Store) SaveDocument(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return verrors.InternalError("metadata store is closed", nil)
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return verrors.InternalError("marshaling document metadata", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO documents (id, source, timestamp, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source = excluded.source, timestamp = excluded.timestamp, metadata = excluded.metadata`,
		doc.ID, doc.Source, doc.Timestamp.UTC(), string(metaJSON),
	)
	if err != nil {
		return verrors.New(verrors.ErrCodeStoreFailure, "saving document", err)
	}

	s.docCache.Remove(doc.ID)
	return nil
}

// GetDocument returns the document for id, or a not-found error.
func (s *Store) GetDocument(id string) (*Document, error) {
	if cached, ok := s.docCache.Get(id); ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, verrors.InternalError("metadata store is closed", nil)
	}

	row := s.db.QueryRow(`SELECT id, source, timestamp, metadata FROM documents WHERE id = ?`, id)

	var doc Document
	var ts time.Time
	var metaJSON string
	if err := row.Scan(&doc.ID, &doc.Source, &ts, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, verrors.NotFoundError("document", id)
		}
		return nil, verrors.New(verrors.ErrCodeStoreFailure, "reading document", err)
	}
	doc.Timestamp = ts

	if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
		return nil, verrors.InternalError("unmarshaling document metadata", err)
	}

	s.docCache.Add(id, &doc)
	return &doc, nil
}

// SaveChunk writes c. Chunk ids are assigned by the vector store and never
// reused, so this is always an insert, not an upsert.
func (s *Store) SaveChunk(c *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return verrors.InternalError("metadata store is closed", nil)
	}

	_, err := s.db.Exec(
		`INSERT INTO chunks (id, doc_id, content, start_line, end_line, token_count) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocID, c.Content, nullableInt(c.StartLine), nullableInt(c.EndLine), c.TokenCount,
	)
	if err != nil {
		return verrors.New(verrors.ErrCodeStoreFailure, "saving chunk", err)
	}

	s.chunkCache.Remove(c.ID)
	return nil
}

// GetChunk returns the chunk for id, or a not-found error. Retrieval
// callers skip the candidate on a not-found error rather than failing the
// whole request.
func (s *Store) GetChunk(id uint64) (*Chunk, error) {
	if cached, ok := s.chunkCache.Get(id); ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, verrors.InternalError("metadata store is closed", nil)
	}

	row := s.db.QueryRow(`SELECT id, doc_id, content, start_line, end_line, token_count FROM chunks WHERE id = ?`, id)

	var c Chunk
	var startLine, endLine sql.NullInt64
	if err := row.Scan(&c.ID, &c.DocID, &c.Content, &startLine, &endLine, &c.TokenCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, verrors.NotFoundError("chunk", fmt.Sprintf("%d", id))
		}
		return nil, verrors.New(verrors.ErrCodeStoreFailure, "reading chunk", err)
	}
	if startLine.Valid {
		v := int(startLine.Int64)
		c.StartLine = &v
	}
	if endLine.Valid {
		v := int(endLine.Int64)
		c.EndLine = &v
	}

	s.chunkCache.Add(id, &c)
	return &c, nil
}

// Close closes the underlying database connection. Subsequent calls are
// no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return verrors.IOError("closing metadata database", err)
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
