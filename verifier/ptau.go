package verifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/minio/sha256-simd"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

const (
	g1Size    = bn254.SizeOfG1AffineCompressed
	g2Size    = bn254.SizeOfG2AffineCompressed
	proofSize = 2*g1Size + g2Size
)

var errMalformed = errors.New("malformed encoding")

// PowersOfTau verifies bn254 powers-of-tau updates. Each chunk is an
// independent accumulator [τ^0]G1 .. [τ^(n-1)]G1 together with [τ]G2.
//
// A contribution with secret x is encoded as
//
//	previous state | new state | [s]G1 | [s·x]G1 | [x]G2
//
// and a state as its n compressed G1 powers followed by the compressed G2 point.
type PowersOfTau struct {
	powers int
	g1     bn254.G1Affine
	g2     bn254.G2Affine
}

func NewPowersOfTau(powers int) (*PowersOfTau, error) {
	if powers < 2 {
		return nil, fmt.Errorf("powers of tau needs at least 2 powers per chunk, got %d", powers)
	}
	_, _, g1, g2 := bn254.Generators()
	return &PowersOfTau{powers: powers, g1: g1, g2: g2}, nil
}

func (*PowersOfTau) Name() string {
	return PowersOfTauName
}

func (p *PowersOfTau) stateSize() int {
	return p.powers*g1Size + g2Size
}

func (p *PowersOfTau) contributionSize() int {
	return 2*p.stateSize() + proofSize
}

type accumulator struct {
	tauG1 []bn254.G1Affine
	tauG2 bn254.G2Affine
}

func (a *accumulator) encode() []byte {
	buf := make([]byte, 0, len(a.tauG1)*g1Size+g2Size)
	for i := range a.tauG1 {
		b := a.tauG1[i].Bytes()
		buf = append(buf, b[:]...)
	}
	b := a.tauG2.Bytes()
	return append(buf, b[:]...)
}

func (p *PowersOfTau) decodeState(buf []byte) (*accumulator, error) {
	if len(buf) != p.stateSize() {
		return nil, fmt.Errorf("%w: state of %d bytes", errMalformed, len(buf))
	}
	a := &accumulator{tauG1: make([]bn254.G1Affine, p.powers)}
	for i := range a.tauG1 {
		if _, err := a.tauG1[i].SetBytes(buf[i*g1Size : (i+1)*g1Size]); err != nil {
			return nil, fmt.Errorf("%w: power %d: %w", errMalformed, i, err)
		}
	}
	if _, err := a.tauG2.SetBytes(buf[p.powers*g1Size:]); err != nil {
		return nil, fmt.Errorf("%w: tau g2: %w", errMalformed, err)
	}
	return a, nil
}

type knowledgeProof struct {
	s  bn254.G1Affine
	sx bn254.G1Affine
	x  bn254.G2Affine
}

func (k *knowledgeProof) encode() []byte {
	s, sx, x := k.s.Bytes(), k.sx.Bytes(), k.x.Bytes()
	buf := make([]byte, 0, proofSize)
	buf = append(buf, s[:]...)
	buf = append(buf, sx[:]...)
	return append(buf, x[:]...)
}

func decodeProof(buf []byte) (*knowledgeProof, error) {
	var k knowledgeProof
	if _, err := k.s.SetBytes(buf[:g1Size]); err != nil {
		return nil, fmt.Errorf("%w: proof s: %w", errMalformed, err)
	}
	if _, err := k.sx.SetBytes(buf[g1Size : 2*g1Size]); err != nil {
		return nil, fmt.Errorf("%w: proof sx: %w", errMalformed, err)
	}
	if _, err := k.x.SetBytes(buf[2*g1Size:]); err != nil {
		return nil, fmt.Errorf("%w: proof x: %w", errMalformed, err)
	}
	return &k, nil
}

func (p *PowersOfTau) genesis() *accumulator {
	a := &accumulator{tauG1: make([]bn254.G1Affine, p.powers), tauG2: p.g2}
	for i := range a.tauG1 {
		a.tauG1[i] = p.g1
	}
	return a
}

func (p *PowersOfTau) Genesis(uint32) ([]byte, []byte, error) {
	payload := p.genesis().encode()
	digest := sha256.Sum256(payload)
	return payload, digest[:], nil
}

// State extracts the accumulator a stored payload leaves behind: the payload
// itself for a genesis state, the new state for a contribution.
func (p *PowersOfTau) State(payload []byte) ([]byte, error) {
	switch len(payload) {
	case p.stateSize():
		return payload, nil
	case p.contributionSize():
		return payload[p.stateSize() : 2*p.stateSize()], nil
	default:
		return nil, fmt.Errorf("%w: payload of %d bytes", errMalformed, len(payload))
	}
}

func (p *PowersOfTau) Verify(ctx context.Context, predecessor, payload []byte) (ceremony.Verdict, error) {
	if err := canceled(ctx); err != nil {
		return ceremony.Verdict{}, err
	}
	if len(payload) != p.contributionSize() {
		return ceremony.Reject("contribution of %d bytes, expected %d", len(payload), p.contributionSize()), nil
	}
	size := p.stateSize()
	prevRaw, nextRaw, proofRaw := payload[:size], payload[size:2*size], payload[2*size:]

	if prevDigest := sha256.Sum256(prevRaw); !bytes.Equal(prevDigest[:], predecessor) {
		return ceremony.Reject("contribution built on %x, expected %x", prevDigest, predecessor), nil
	}
	prev, err := p.decodeState(prevRaw)
	if err != nil {
		return ceremony.Reject("previous state: %v", err), nil
	}
	next, err := p.decodeState(nextRaw)
	if err != nil {
		return ceremony.Reject("new state: %v", err), nil
	}
	proof, err := decodeProof(proofRaw)
	if err != nil {
		return ceremony.Reject("%v", err), nil
	}

	if reason := p.check(prev, next, proof, payload); reason != "" {
		return ceremony.Reject("%s", reason), nil
	}
	digest := sha256.Sum256(nextRaw)
	return ceremony.Accept(digest[:]), nil
}

// check returns the reason the update is invalid, or "" when it holds.
func (p *PowersOfTau) check(prev, next *accumulator, proof *knowledgeProof, payload []byte) string {
	if proof.s.IsInfinity() || proof.sx.IsInfinity() || proof.x.IsInfinity() {
		return "proof of knowledge contains the point at infinity"
	}
	if proof.x.Equal(&p.g2) {
		return "contribution does not change tau"
	}
	if !next.tauG1[0].Equal(&p.g1) {
		return "first power is not the generator"
	}
	for i := range next.tauG1 {
		if next.tauG1[i].IsInfinity() {
			return fmt.Sprintf("power %d is the point at infinity", i)
		}
	}
	if next.tauG2.IsInfinity() {
		return "tau g2 is the point at infinity"
	}

	var negSX bn254.G1Affine
	negSX.Neg(&proof.sx)

	// e(s, x·G2) = e(s·x, G2)
	if ok, err := bn254.PairingCheck([]bn254.G1Affine{proof.s, negSX}, []bn254.G2Affine{proof.x, p.g2}); err != nil || !ok {
		return "invalid proof of knowledge"
	}
	// e(s, τ'·G2) = e(s·x, τ·G2)
	if ok, err := bn254.PairingCheck([]bn254.G1Affine{proof.s, negSX}, []bn254.G2Affine{next.tauG2, prev.tauG2}); err != nil || !ok {
		return "tau g2 is not the previous tau g2 scaled by the contribution"
	}

	// random linear combination over consecutive powers:
	// e(Σ ρ_i·P_{i+1}, G2) = e(Σ ρ_i·P_i, τ'·G2)
	rho := challenges(payload, p.powers-1)
	var hi, lo, negLo bn254.G1Affine
	if _, err := hi.MultiExp(next.tauG1[1:], rho, ecc.MultiExpConfig{}); err != nil {
		return fmt.Sprintf("combining powers: %v", err)
	}
	if _, err := lo.MultiExp(next.tauG1[:p.powers-1], rho, ecc.MultiExpConfig{}); err != nil {
		return fmt.Sprintf("combining powers: %v", err)
	}
	negLo.Neg(&lo)
	if ok, err := bn254.PairingCheck([]bn254.G1Affine{hi, negLo}, []bn254.G2Affine{p.g2, next.tauG2}); err != nil || !ok {
		return "powers are not consecutive powers of tau"
	}
	return ""
}

// challenges derives n scalars from the contribution itself.
func challenges(payload []byte, n int) []fr.Element {
	seed := sha256.Sum256(payload)
	out := make([]fr.Element, n)
	buf := make([]byte, len(seed)+4)
	copy(buf, seed[:])
	for i := range out {
		binary.BigEndian.PutUint32(buf[len(seed):], uint32(i))
		h := sha256.Sum256(buf)
		out[i].SetBytes(h[:])
	}
	return out
}

func (p *PowersOfTau) Contribute(predecessorDigest, predecessorPayload []byte) ([]byte, error) {
	var x, s fr.Element
	for x.IsZero() || x.IsOne() {
		if _, err := x.SetRandom(); err != nil {
			return nil, fmt.Errorf("sampling secret: %w", err)
		}
	}
	for s.IsZero() {
		if _, err := s.SetRandom(); err != nil {
			return nil, fmt.Errorf("sampling proof scalar: %w", err)
		}
	}
	return p.contribute(predecessorDigest, predecessorPayload, x, s)
}

func (p *PowersOfTau) contribute(predecessorDigest, predecessorPayload []byte, x, s fr.Element) ([]byte, error) {
	prevRaw, err := p.State(predecessorPayload)
	if err != nil {
		return nil, err
	}
	if digest := sha256.Sum256(prevRaw); !bytes.Equal(digest[:], predecessorDigest) {
		return nil, fmt.Errorf("predecessor payload hashes to %x, not %x", digest, predecessorDigest)
	}
	prev, err := p.decodeState(prevRaw)
	if err != nil {
		return nil, err
	}

	next := &accumulator{tauG1: make([]bn254.G1Affine, p.powers)}
	var xi fr.Element
	xi.SetOne()
	scalar := new(big.Int)
	for i := range next.tauG1 {
		next.tauG1[i].ScalarMultiplication(&prev.tauG1[i], xi.BigInt(scalar))
		xi.Mul(&xi, &x)
	}
	next.tauG2.ScalarMultiplication(&prev.tauG2, x.BigInt(scalar))

	var sx fr.Element
	sx.Mul(&s, &x)
	proof := knowledgeProof{}
	proof.s.ScalarMultiplication(&p.g1, s.BigInt(scalar))
	proof.sx.ScalarMultiplication(&p.g1, sx.BigInt(scalar))
	proof.x.ScalarMultiplication(&p.g2, x.BigInt(scalar))

	payload := make([]byte, 0, p.contributionSize())
	payload = append(payload, prevRaw...)
	payload = append(payload, next.encode()...)
	return append(payload, proof.encode()...), nil
}
