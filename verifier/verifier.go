// Package verifier provides the contribution checks plugged into the ceremony
// coordinator, together with the participant side computation of contributions.
package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

const (
	HashChainName    = "hashchain"
	PowersOfTauName  = "ptau"
	DefaultPTauPower = 16
)

// Engine verifies contributions and computes new ones.
type Engine interface {
	ceremony.Verifier
	Name() string
	// Contribute builds a contribution on top of the predecessor state.
	Contribute(predecessorDigest, predecessorPayload []byte) ([]byte, error)
}

var ErrUnknownEngine = errors.New("unknown verifier")

// New returns the engine registered under name. powers is the number of G1
// powers per chunk and is only used by the powers-of-tau engine.
func New(name string, powers int) (Engine, error) {
	switch name {
	case HashChainName:
		return NewHashChain(), nil
	case PowersOfTauName:
		return NewPowersOfTau(powers)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ceremony.ErrVerifierUnavailable, err)
	}
	return nil
}
