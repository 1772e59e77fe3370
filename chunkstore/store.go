// Package chunkstore implements content-addressed storage of chunk states.
//
// Every state is addressed by its CIDv1 (raw codec, sha2-256). A (chunk, position)
// key is written once; writing identical content again is a no-op and writing
// different content fails with ceremony.ErrChunkConflict.
package chunkstore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
)

type Store interface {
	ceremony.ChunkStore
	io.Closer
	CID(ctx context.Context, chunk, position uint32) (cid.Cid, error)
	History(ctx context.Context, chunk uint32) ([]Entry, error)
}

var (
	_ Store = (*LevelDB)(nil)
	_ Store = (*SQLite)(nil)
)

// Open opens the store of the given backend. Each backend keeps its files in
// its own subdirectory of dir.
func Open(backend, dir string, cacheSize int, syncWrites bool) (Store, error) {
	switch backend {
	case BackendLevelDB, "":
		return OpenLevelDB(filepath.Join(dir, BackendLevelDB), cacheSize, syncWrites)
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, BackendSQLite))
	default:
		return nil, fmt.Errorf("unknown chunk store backend %q", backend)
	}
}
