package ceremony

import (
	"fmt"

	"github.com/minio/sha256-simd"
	"github.com/spacemeshos/merkle-tree"
)

// hashTranscriptNode calculates an internal node of the transcript merkle tree.
func hashTranscriptNode(buf, lChild, rChild []byte) []byte {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte{0x01})
	_, _ = hasher.Write(lChild)
	_, _ = hasher.Write(rChild)
	return hasher.Sum(buf)
}

// transcriptRoot is the merkle root over the final chunk heads in chunk-index order.
func transcriptRoot(heads [][]byte) ([]byte, error) {
	tree, err := merkle.NewTreeBuilder().
		WithHashFunc(hashTranscriptNode).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize merkle tree: %w", err)
	}
	for _, head := range heads {
		leaf := sha256.Sum256(head)
		if err := tree.AddLeaf(leaf[:]); err != nil {
			return nil, fmt.Errorf("adding transcript leaf: %w", err)
		}
	}
	return tree.Root(), nil
}
