package ceremony

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// ParticipantID identifies a ceremony participant.
type ParticipantID string

type Role uint8

const (
	RoleContributor Role = iota
	RoleVerifier
)

func (r Role) String() string {
	switch r {
	case RoleContributor:
		return "contributor"
	case RoleVerifier:
		return "verifier"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "contributor", "":
		return RoleContributor, nil
	case "verifier":
		return RoleVerifier, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Status is the lifecycle state of a ceremony.
type Status uint8

const (
	StatusInitializing Status = iota
	StatusActive
	StatusPaused
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{StatusInitializing, StatusActive, StatusPaused, StatusClosed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown ceremony status %q", b)
}

type RoundStatus uint8

const (
	RoundOpen RoundStatus = iota
	RoundVerifying
	RoundComplete
)

func (s RoundStatus) String() string {
	switch s {
	case RoundOpen:
		return "open"
	case RoundVerifying:
		return "verifying"
	case RoundComplete:
		return "complete"
	default:
		return fmt.Sprintf("round-status(%d)", uint8(s))
	}
}

func (s RoundStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RoundStatus) UnmarshalText(b []byte) error {
	for _, v := range []RoundStatus{RoundOpen, RoundVerifying, RoundComplete} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown round status %q", b)
}

// VerificationStatus of a contribution record.
type VerificationStatus uint8

const (
	VerificationPending VerificationStatus = iota
	VerificationAccepted
	VerificationRejected
)

func (s VerificationStatus) String() string {
	switch s {
	case VerificationPending:
		return "pending"
	case VerificationAccepted:
		return "accepted"
	case VerificationRejected:
		return "rejected"
	default:
		return fmt.Sprintf("verification(%d)", uint8(s))
	}
}

func (s VerificationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *VerificationStatus) UnmarshalText(b []byte) error {
	for _, v := range []VerificationStatus{VerificationPending, VerificationAccepted, VerificationRejected} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown verification status %q", b)
}

// Outcome is the reason a lock was released.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeExpired
	// OutcomeRevoked is an administrative release (force-unlock, ban, forced advance or close).
	OutcomeRevoked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeExpired:
		return "expired"
	case OutcomeRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{OutcomeNone, OutcomeAccepted, OutcomeRejected, OutcomeExpired, OutcomeRevoked} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// ForfeitScope decides how long a rejected contribution bars a participant from a chunk.
type ForfeitScope string

const (
	// ForfeitRound bars the participant from the chunk for the rest of the round.
	ForfeitRound ForfeitScope = "round"
	// ForfeitCeremony bars the participant from the chunk index in every later round too.
	ForfeitCeremony ForfeitScope = "ceremony"
)

func (s ForfeitScope) Validate() error {
	switch s {
	case ForfeitRound, ForfeitCeremony:
		return nil
	default:
		return fmt.Errorf("invalid forfeit scope %q (want %q or %q)", string(s), ForfeitRound, ForfeitCeremony)
	}
}

// ContributionRecord is one link of a chunk's chain, or a rejected attempt at one.
type ContributionRecord struct {
	Round       uint32             `json:"round"`
	Chunk       uint32             `json:"chunk"`
	Participant ParticipantID      `json:"participant"`
	Predecessor []byte             `json:"predecessor"`
	Digest      []byte             `json:"digest,omitempty"`
	Status      VerificationStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	VerifiedAt  time.Time          `json:"verified_at"`
}

func (r *ContributionRecord) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("round", r.Round)
	enc.AddUint32("chunk", r.Chunk)
	enc.AddString("participant", string(r.Participant))
	enc.AddString("status", r.Status.String())
	enc.AddBinary("digest", r.Digest)
	if r.Reason != "" {
		enc.AddString("reason", r.Reason)
	}
	return nil
}

// Verdict is the result of verifying a contribution against its predecessor.
type Verdict struct {
	Accepted bool
	// Digest of the new chunk state. Set only when Accepted.
	Digest []byte
	// Reason for rejection. Set only when not Accepted.
	Reason string
}

func Accept(digest []byte) Verdict {
	return Verdict{Accepted: true, Digest: digest}
}

func Reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Assignment is handed to a participant after a successful chunk request.
type Assignment struct {
	Lock LockHandle `json:"lock"`
	// Predecessor is the digest the contribution must be computed against.
	Predecessor []byte `json:"predecessor"`
	// Payload is the stored predecessor chunk state.
	Payload []byte `json:"payload"`
}

// RoundInfo summarizes a round for status queries.
type RoundInfo struct {
	Index     uint32      `json:"index"`
	Status    RoundStatus `json:"status"`
	Pending   []uint32    `json:"pending"`
	Locked    []uint32    `json:"locked"`
	Accepted  int         `json:"accepted"`
	Rejected  int         `json:"rejected"`
	StartedAt time.Time   `json:"started_at"`
}

// CeremonyStatus is the read-only ceremony_status view.
type CeremonyStatus struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	PausedReason string    `json:"paused_reason,omitempty"`
	Chunks       uint32    `json:"chunks"`
	Rounds       uint32    `json:"rounds"`
	CurrentRound uint32    `json:"current_round"`
	Round        RoundInfo `json:"round"`
	Participants int       `json:"participants"`
	Aborted      bool      `json:"aborted,omitempty"`
}

// Transcript is the final output of a closed ceremony.
type Transcript struct {
	ID string `json:"id"`
	// Heads are the final chunk heads in chunk-index order.
	Heads [][]byte `json:"heads"`
	// Concatenated is Heads joined in chunk-index order.
	Concatenated []byte `json:"concatenated"`
	// Root is the Merkle root over Heads.
	Root     []byte                 `json:"root"`
	Aborted  bool                   `json:"aborted,omitempty"`
	Accepted [][]ContributionRecord `json:"accepted"`
}

// AuditResult reports whether a stored contribution still verifies.
type AuditResult struct {
	Record ContributionRecord `json:"record"`
	Valid  bool               `json:"valid"`
	Reason string             `json:"reason,omitempty"`
}
