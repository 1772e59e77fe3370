package ceremony

import (
	"errors"
	"fmt"
)

var (
	// Contention.
	ErrChunkLocked              = errors.New("chunk is locked")
	ErrParticipantAlreadyLocked = errors.New("participant already holds a lock")

	// Policy.
	ErrChunkNotEligible    = errors.New("chunk is not eligible")
	ErrDuplicateAttempt    = errors.New("participant already attempted this chunk")
	ErrCeremonyNotActive   = errors.New("ceremony is not active")
	ErrNoWorkAvailable     = errors.New("no work available")
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrParticipantBanned   = errors.New("participant is banned")
	ErrUnauthorizedRole    = errors.New("participant role is not authorized")
	ErrInvalidChunk        = errors.New("invalid chunk index")
	ErrInvalidRound        = errors.New("invalid round index")
	ErrInvalidTransition   = errors.New("invalid ceremony state transition")
	ErrRoundIncomplete     = errors.New("round is not complete")
	ErrCommitInProgress    = errors.New("contribution is being verified")
	ErrCeremonyNotClosed   = errors.New("ceremony is not closed")
	ErrLockNotHeld         = errors.New("lock is not held")
	ErrLockExpired         = errors.New("lock has expired")
	ErrNotFound            = errors.New("not found")
	ErrInvalidContribution = errors.New("invalid contribution")

	// Verification.
	ErrContributionRejected = errors.New("contribution rejected")

	// Consistency.
	ErrPredecessorMismatch = errors.New("predecessor digest mismatch")
	ErrLockOwnerMismatch   = errors.New("lock is held by another participant")
	ErrRoundStateCorrupted = errors.New("round state corrupted")
	ErrChunkConflict       = errors.New("chunk store holds conflicting content")

	// Infrastructure.
	ErrStoreUnavailable    = errors.New("chunk store unavailable")
	ErrVerifierUnavailable = errors.New("verifier unavailable")
	ErrPersistence         = errors.New("persisting ceremony state failed")
)

// ErrorKind groups errors by how callers are expected to react to them.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindContention is expected under concurrency; retry against another chunk.
	KindContention
	// KindPolicy is a caller error; no state changed.
	KindPolicy
	// KindVerification is a rejected contribution.
	KindVerification
	// KindConsistency is an internal fault that needs operator attention.
	KindConsistency
	// KindInfrastructure is a storage or verifier failure; the caller may retry.
	KindInfrastructure
)

func (k ErrorKind) String() string {
	switch k {
	case KindContention:
		return "contention"
	case KindPolicy:
		return "policy"
	case KindVerification:
		return "verification"
	case KindConsistency:
		return "consistency"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	// Order matters: wrapped errors may match several sentinels, the first one wins.
	{ErrPredecessorMismatch, KindConsistency},
	{ErrLockOwnerMismatch, KindConsistency},
	{ErrRoundStateCorrupted, KindConsistency},
	{ErrChunkConflict, KindConsistency},
	{ErrStoreUnavailable, KindInfrastructure},
	{ErrVerifierUnavailable, KindInfrastructure},
	{ErrPersistence, KindInfrastructure},
	{ErrContributionRejected, KindVerification},
	{ErrChunkLocked, KindContention},
	{ErrParticipantAlreadyLocked, KindContention},
	{ErrChunkNotEligible, KindPolicy},
	{ErrDuplicateAttempt, KindPolicy},
	{ErrCeremonyNotActive, KindPolicy},
	{ErrNoWorkAvailable, KindPolicy},
	{ErrUnknownParticipant, KindPolicy},
	{ErrParticipantBanned, KindPolicy},
	{ErrUnauthorizedRole, KindPolicy},
	{ErrInvalidChunk, KindPolicy},
	{ErrInvalidRound, KindPolicy},
	{ErrInvalidTransition, KindPolicy},
	{ErrRoundIncomplete, KindPolicy},
	{ErrCommitInProgress, KindPolicy},
	{ErrCeremonyNotClosed, KindPolicy},
	{ErrLockNotHeld, KindPolicy},
	{ErrLockExpired, KindPolicy},
	{ErrNotFound, KindPolicy},
	{ErrInvalidContribution, KindPolicy},
}

// KindOf classifies err. Errors not produced by this package are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

func duplicateAttempt(p ParticipantID, round, chunk uint32) error {
	return fmt.Errorf("%w: %w: participant %s, round %d, chunk %d", ErrChunkNotEligible, ErrDuplicateAttempt, p, round, chunk)
}
