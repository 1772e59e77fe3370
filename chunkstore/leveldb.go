package chunkstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

var (
	indexPrefix = []byte("i/")
	blobPrefix  = []byte("b/")
)

// LevelDB stores chunk states in leveldb. Blobs are keyed by CID and shared
// between positions with identical content.
type LevelDB struct {
	db   *leveldb.DB
	sync bool

	// serializes the check-then-write of Put
	mu    sync.Mutex
	cache *lru.Cache
}

func OpenLevelDB(dbPath string, cacheSize int, syncWrites bool) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store @ %s: %w", dbPath, err)
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	return &LevelDB{db: db, sync: syncWrites, cache: cache}, nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}

func indexKey(chunk, position uint32) []byte {
	key := make([]byte, len(indexPrefix)+8)
	copy(key, indexPrefix)
	binary.BigEndian.PutUint32(key[len(indexPrefix):], chunk)
	binary.BigEndian.PutUint32(key[len(indexPrefix)+4:], position)
	return key
}

func chunkPrefix(chunk uint32) []byte {
	key := make([]byte, len(indexPrefix)+4)
	copy(key, indexPrefix)
	binary.BigEndian.PutUint32(key[len(indexPrefix):], chunk)
	return key
}

func blobKey(c cid.Cid) []byte {
	return append(append([]byte(nil), blobPrefix...), c.Bytes()...)
}

func (s *LevelDB) CID(ctx context.Context, chunk, position uint32) (cid.Cid, error) {
	raw, err := s.db.Get(indexKey(chunk, position), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return cid.Undef, fmt.Errorf("%w: chunk %d position %d", ceremony.ErrNotFound, chunk, position)
	case err != nil:
		return cid.Undef, fmt.Errorf("reading index of chunk %d position %d: %w", chunk, position, err)
	}
	_, c, err := cid.CidFromBytes(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("decoding cid of chunk %d position %d: %w", chunk, position, err)
	}
	return c, nil
}

func (s *LevelDB) Get(ctx context.Context, chunk, position uint32) ([]byte, error) {
	c, err := s.CID(ctx, chunk, position)
	if err != nil {
		return nil, err
	}
	return s.blob(c)
}

func (s *LevelDB) blob(c cid.Cid) ([]byte, error) {
	if cached, ok := s.cache.Get(c); ok {
		return cached.([]byte), nil
	}
	data, err := s.db.Get(blobKey(c), nil)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", c, err)
	}
	s.cache.Add(c, data)
	return data, nil
}

func (s *LevelDB) Put(ctx context.Context, chunk, position uint32, data []byte) error {
	c, err := ComputeCID(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.CID(ctx, chunk, position)
	switch {
	case err == nil && existing.Equals(c):
		return nil
	case err == nil:
		return fmt.Errorf("%w: chunk %d position %d holds %s, not %s", ceremony.ErrChunkConflict, chunk, position, existing, c)
	case !errors.Is(err, ceremony.ErrNotFound):
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(blobKey(c), data)
	batch.Put(indexKey(chunk, position), c.Bytes())
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return fmt.Errorf("storing chunk %d position %d: %w", chunk, position, err)
	}
	return nil
}

// History lists the stored states of chunk in position order.
func (s *LevelDB) History(ctx context.Context, chunk uint32) ([]Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix(chunkPrefix(chunk)), nil)
	defer iter.Release()
	var entries []Entry
	for iter.Next() {
		key := iter.Key()
		_, c, err := cid.CidFromBytes(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decoding cid at %x: %w", key, err)
		}
		data, err := s.blob(c)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Chunk:    chunk,
			Position: binary.BigEndian.Uint32(key[len(indexPrefix)+4:]),
			CID:      c,
			Size:     len(data),
		})
	}
	return entries, iter.Error()
}
