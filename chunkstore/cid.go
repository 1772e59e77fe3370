package chunkstore

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ComputeCID returns the CIDv1 (raw codec, sha2-256) addressing data.
func ComputeCID(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing chunk: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// Entry is one stored chunk state.
type Entry struct {
	Chunk    uint32  `json:"chunk"`
	Position uint32  `json:"position"`
	CID      cid.Cid `json:"cid"`
	Size     int     `json:"size"`
}
