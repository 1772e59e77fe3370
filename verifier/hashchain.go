package verifier

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/minio/sha256-simd"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

const hashChainEntropy = 32

var genesisPrefix = []byte("genesis")

// HashChain is a lightweight engine where a contribution is the predecessor
// digest followed by fresh entropy. The digest of a state is its sha256.
// It carries no cryptographic setup and exists for rehearsals and tests.
type HashChain struct{}

func NewHashChain() *HashChain {
	return &HashChain{}
}

func (*HashChain) Name() string {
	return HashChainName
}

func (*HashChain) Genesis(chunk uint32) ([]byte, []byte, error) {
	payload := binary.BigEndian.AppendUint32(append([]byte(nil), genesisPrefix...), chunk)
	digest := sha256.Sum256(payload)
	return payload, digest[:], nil
}

func (*HashChain) Verify(ctx context.Context, predecessor, payload []byte) (ceremony.Verdict, error) {
	if err := canceled(ctx); err != nil {
		return ceremony.Verdict{}, err
	}
	if len(payload) <= len(predecessor) {
		return ceremony.Reject("contribution of %d bytes carries no entropy", len(payload)), nil
	}
	if !bytes.HasPrefix(payload, predecessor) {
		return ceremony.Reject("contribution does not extend predecessor %x", predecessor), nil
	}
	digest := sha256.Sum256(payload)
	return ceremony.Accept(digest[:]), nil
}

func (*HashChain) Contribute(predecessorDigest, _ []byte) ([]byte, error) {
	payload := make([]byte, len(predecessorDigest)+hashChainEntropy)
	copy(payload, predecessorDigest)
	if _, err := rand.Read(payload[len(predecessorDigest):]); err != nil {
		return nil, fmt.Errorf("reading entropy: %w", err)
	}
	return payload, nil
}
