package chunkstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/anoma/trusted-setup-ceremony/logging"
)

// Copy writes every state of the first chunks chunks of src into dst and
// returns the number of states copied. States dst already holds are skipped.
func Copy(ctx context.Context, dst, src Store, chunks uint32) (int, error) {
	var copied int
	for chunk := uint32(0); chunk < chunks; chunk++ {
		entries, err := src.History(ctx, chunk)
		if err != nil {
			return copied, fmt.Errorf("listing chunk %d: %w", chunk, err)
		}
		for _, e := range entries {
			data, err := src.Get(ctx, e.Chunk, e.Position)
			if err != nil {
				return copied, fmt.Errorf("reading chunk %d position %d: %w", e.Chunk, e.Position, err)
			}
			if err := dst.Put(ctx, e.Chunk, e.Position, data); err != nil {
				return copied, fmt.Errorf("writing chunk %d position %d: %w", e.Chunk, e.Position, err)
			}
			copied++
		}
	}
	return copied, nil
}

// Migrate moves the chunk states of the old backend under dir into dst and
// removes the old backend's files. It is a no-op when the old backend holds no data.
func Migrate(ctx context.Context, dst Store, oldBackend, dir string, chunks uint32) error {
	log := logging.FromContext(ctx).With(zap.String("from", oldBackend), zap.String("dir", dir))
	oldDir := filepath.Join(dir, oldBackend)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		log.Debug("skipping chunk store migration - old store doesn't exist")
		return nil
	}

	log.Info("attempting chunk store migration")
	src, err := Open(oldBackend, dir, 1, false)
	if err != nil {
		return fmt.Errorf("opening old store: %w", err)
	}
	copied, err := Copy(ctx, dst, src, chunks)
	if cerr := src.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing old store: %w", cerr)
	}
	if err != nil {
		return err
	}

	log.Info("removing the old chunk store", zap.Int("states", copied))
	if err := os.RemoveAll(oldDir); err != nil {
		return fmt.Errorf("removing old store: %w", err)
	}
	log.Info("chunk store migrated")
	return nil
}
