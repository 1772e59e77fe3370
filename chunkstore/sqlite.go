package chunkstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	_ "modernc.org/sqlite"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

//go:embed schema.sql
var schemaSQL string

// SQLite stores chunk states in a single sqlite database file.
type SQLite struct {
	db     *sql.DB
	dbPath string

	// a deferred transaction cannot be upgraded to a writer once another
	// connection has written, so Put transactions are serialized here
	mu sync.Mutex
}

func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create chunk store directory: %w", err)
	}
	dbPath := filepath.Join(dir, "chunks.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite serializes writers anyway
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLite{db: db, dbPath: dbPath}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) DBPath() string {
	return s.dbPath
}

func (s *SQLite) CID(ctx context.Context, chunk, position uint32) (cid.Cid, error) {
	return cidAt(ctx, s.db, chunk, position)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func cidAt(ctx context.Context, q queryRower, chunk, position uint32) (cid.Cid, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT cid FROM chunk_states WHERE chunk = ? AND position = ?`,
		chunk, position).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return cid.Undef, fmt.Errorf("%w: chunk %d position %d", ceremony.ErrNotFound, chunk, position)
	case err != nil:
		return cid.Undef, fmt.Errorf("reading chunk %d position %d: %w", chunk, position, err)
	}
	c, err := cid.Decode(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding cid of chunk %d position %d: %w", chunk, position, err)
	}
	return c, nil
}

func (s *SQLite) Get(ctx context.Context, chunk, position uint32) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT b.data FROM chunk_states s JOIN blobs b ON b.cid = s.cid
		 WHERE s.chunk = ? AND s.position = ?`,
		chunk, position).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: chunk %d position %d", ceremony.ErrNotFound, chunk, position)
	case err != nil:
		return nil, fmt.Errorf("reading chunk %d position %d: %w", chunk, position, err)
	}
	return data, nil
}

func (s *SQLite) Put(ctx context.Context, chunk, position uint32, data []byte) error {
	c, err := ComputeCID(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := cidAt(ctx, tx, chunk, position)
	switch {
	case err == nil && existing.Equals(c):
		return nil
	case err == nil:
		return fmt.Errorf("%w: chunk %d position %d holds %s, not %s", ceremony.ErrChunkConflict, chunk, position, existing, c)
	case !errors.Is(err, ceremony.ErrNotFound):
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs (cid, data) VALUES (?, ?) ON CONFLICT(cid) DO NOTHING`,
		c.String(), data); err != nil {
		return fmt.Errorf("storing blob %s: %w", c, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunk_states (chunk, position, cid, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		chunk, position, c.String(), len(data), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storing chunk %d position %d: %w", chunk, position, err)
	}
	return tx.Commit()
}

// History lists the stored states of chunk in position order.
func (s *SQLite) History(ctx context.Context, chunk uint32) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, cid, size FROM chunk_states WHERE chunk = ? ORDER BY position`,
		chunk)
	if err != nil {
		return nil, fmt.Errorf("listing chunk %d: %w", chunk, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			raw   string
			entry = Entry{Chunk: chunk}
		)
		if err := rows.Scan(&entry.Position, &raw, &entry.Size); err != nil {
			return nil, err
		}
		if entry.CID, err = cid.Decode(raw); err != nil {
			return nil, fmt.Errorf("decoding cid of chunk %d position %d: %w", chunk, entry.Position, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
