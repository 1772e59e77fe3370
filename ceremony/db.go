package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/anoma/trusted-setup-ceremony/logging"
)

//go:generate mockgen -package mocks -destination mocks/state_store.go . StateStore

// StateStore persists ceremony snapshots.
type StateStore interface {
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	// LoadSnapshot returns ErrNoSnapshot when nothing was saved yet.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

var ErrNoSnapshot = errors.New("no ceremony snapshot")

var (
	snapshotKey         = []byte("snapshot")
	previousSnapshotKey = []byte("snapshot_previous")
)

// Database is a leveldb backed StateStore.
type Database struct {
	db   *leveldb.DB
	sync bool
}

func OpenDatabase(dbPath string, syncWrites bool) (*Database, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbPath, err)
	}
	return &Database{db: db, sync: syncWrites}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveSnapshot stores s and keeps the one it replaces under a second key.
func (d *Database) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	data, err := serializeSnapshot(s)
	if err != nil {
		return err
	}
	trans, err := d.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	current, err := trans.Get(snapshotKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// first snapshot
	case err != nil:
		trans.Discard()
		return fmt.Errorf("querying current snapshot: %w", err)
	default:
		if err := trans.Put(previousSnapshotKey, current, nil); err != nil {
			logging.FromContext(ctx).Warn("failed to keep previous snapshot", zap.Error(err))
		}
	}
	if err := trans.Put(snapshotKey, data, &opt.WriteOptions{Sync: d.sync}); err != nil {
		trans.Discard()
		return fmt.Errorf("storing snapshot: %w", err)
	}
	return trans.Commit()
}

func (d *Database) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	data, err := d.db.Get(snapshotKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNoSnapshot
	case err != nil:
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	s, err := deserializeSnapshot(data)
	if err != nil {
		logging.FromContext(ctx).Error("current snapshot is unreadable, falling back to the previous one", zap.Error(err))
		prev, perr := d.db.Get(previousSnapshotKey, nil)
		if perr != nil {
			return nil, fmt.Errorf("deserializing snapshot: %w", err)
		}
		return deserializeSnapshot(prev)
	}
	return s, nil
}

// persisted* types are the xdr layout of a Snapshot. Times are unix nanoseconds,
// zero meaning unset.

type persistedRecord struct {
	Round       uint32
	Chunk       uint32
	Participant string
	Predecessor []byte
	Digest      []byte
	Status      uint32
	Reason      string
	SubmittedAt int64
	VerifiedAt  int64
}

type persistedRound struct {
	Index        uint32
	Predecessors [][]byte
	Positions    []uint32
	Heads        [][]byte
	Accepted     []bool
	Rejected     []persistedRecord
	Carried      []uint32
	StartedAt    int64
	CompletedAt  int64
}

type persistedHistory struct {
	Chunk   uint32
	Head    []byte
	Records []persistedRecord
}

type persistedLock struct {
	Token       uint64
	Chunk       uint32
	Round       uint32
	Participant string
	AcquiredAt  int64
	ExpiresAt   int64
}

type persistedAttempt struct {
	Round   uint32
	Chunk   uint32
	Outcome uint32
}

type persistedParticipant struct {
	ID        string
	Role      uint32
	Banned    bool
	JoinedAt  int64
	Attempts  []persistedAttempt
	Forfeited []uint32
}

type persistedSnapshot struct {
	Version      uint32
	ID           string
	Status       uint32
	PausedReason string
	Aborted      bool
	Chunks       uint32
	Rounds       uint32
	CurrentRound uint32
	RoundStates  []persistedRound
	Histories    []persistedHistory
	Locks        []persistedLock
	LockTokens   uint64
	Participants []persistedParticipant
	TakenAt      int64
}

const snapshotVersion = 1

func serializeSnapshot(s *Snapshot) ([]byte, error) {
	var dataBuf bytes.Buffer
	_, err := xdr.Marshal(&dataBuf, toPersisted(s))
	if err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return dataBuf.Bytes(), nil
}

func deserializeSnapshot(data []byte) (*Snapshot, error) {
	p := &persistedSnapshot{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), p); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %v", err)
	}
	if p.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", p.Version)
	}
	return fromPersisted(p), nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// xdr has no notion of nil opaque data, so empty digests stand for nil.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func digestsOut(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, d := range in {
		out[i] = nonNil(d)
	}
	return out
}

func digestsIn(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, d := range in {
		if len(d) > 0 {
			out[i] = d
		}
	}
	return out
}

func recordsOut(in []ContributionRecord) []persistedRecord {
	out := make([]persistedRecord, len(in))
	for i, r := range in {
		out[i] = persistedRecord{
			Round:       r.Round,
			Chunk:       r.Chunk,
			Participant: string(r.Participant),
			Predecessor: nonNil(r.Predecessor),
			Digest:      nonNil(r.Digest),
			Status:      uint32(r.Status),
			Reason:      r.Reason,
			SubmittedAt: nanos(r.SubmittedAt),
			VerifiedAt:  nanos(r.VerifiedAt),
		}
	}
	return out
}

func recordsIn(in []persistedRecord) []ContributionRecord {
	out := make([]ContributionRecord, len(in))
	for i, r := range in {
		out[i] = ContributionRecord{
			Round:       r.Round,
			Chunk:       r.Chunk,
			Participant: ParticipantID(r.Participant),
			Predecessor: r.Predecessor,
			Status:      VerificationStatus(r.Status),
			Reason:      r.Reason,
			SubmittedAt: fromNanos(r.SubmittedAt),
			VerifiedAt:  fromNanos(r.VerifiedAt),
		}
		if len(r.Digest) > 0 {
			out[i].Digest = r.Digest
		}
	}
	return out
}

func toPersisted(s *Snapshot) *persistedSnapshot {
	p := &persistedSnapshot{
		Version:      snapshotVersion,
		ID:           s.ID,
		Status:       uint32(s.Status),
		PausedReason: s.PausedReason,
		Aborted:      s.Aborted,
		Chunks:       s.Chunks,
		Rounds:       s.Rounds,
		CurrentRound: s.CurrentRound,
		LockTokens:   s.LockTokens,
		TakenAt:      nanos(s.TakenAt),
	}
	for _, r := range s.RoundStates {
		p.RoundStates = append(p.RoundStates, persistedRound{
			Index:        r.Index,
			Predecessors: digestsOut(r.Predecessors),
			Positions:    nonNilUint32s(r.Positions),
			Heads:        digestsOut(r.Heads),
			Accepted:     append([]bool{}, r.Accepted...),
			Rejected:     recordsOut(r.Rejected),
			Carried:      nonNilUint32s(r.Carried),
			StartedAt:    nanos(r.StartedAt),
			CompletedAt:  nanos(r.CompletedAt),
		})
	}
	for _, h := range s.Histories {
		p.Histories = append(p.Histories, persistedHistory{
			Chunk:   h.Chunk,
			Head:    nonNil(h.Head),
			Records: recordsOut(h.Records),
		})
	}
	for _, l := range s.Locks {
		p.Locks = append(p.Locks, persistedLock{
			Token:       l.Token,
			Chunk:       l.Chunk,
			Round:       l.Round,
			Participant: string(l.Participant),
			AcquiredAt:  nanos(l.AcquiredAt),
			ExpiresAt:   nanos(l.ExpiresAt),
		})
	}
	for _, part := range s.Participants {
		pp := persistedParticipant{
			ID:        string(part.ID),
			Role:      uint32(part.Role),
			Banned:    part.Banned,
			JoinedAt:  nanos(part.JoinedAt),
			Attempts:  []persistedAttempt{},
			Forfeited: nonNilUint32s(part.Forfeited),
		}
		for _, a := range part.Attempts {
			pp.Attempts = append(pp.Attempts, persistedAttempt{Round: a.Round, Chunk: a.Chunk, Outcome: uint32(a.Outcome)})
		}
		p.Participants = append(p.Participants, pp)
	}
	return p
}

func fromPersisted(p *persistedSnapshot) *Snapshot {
	s := &Snapshot{
		ID:           p.ID,
		Status:       Status(p.Status),
		PausedReason: p.PausedReason,
		Aborted:      p.Aborted,
		Chunks:       p.Chunks,
		Rounds:       p.Rounds,
		CurrentRound: p.CurrentRound,
		LockTokens:   p.LockTokens,
		TakenAt:      fromNanos(p.TakenAt),
	}
	for _, r := range p.RoundStates {
		s.RoundStates = append(s.RoundStates, RoundSnapshot{
			Index:        r.Index,
			Predecessors: digestsIn(r.Predecessors),
			Positions:    r.Positions,
			Heads:        digestsIn(r.Heads),
			Accepted:     r.Accepted,
			Rejected:     recordsIn(r.Rejected),
			Carried:      r.Carried,
			StartedAt:    fromNanos(r.StartedAt),
			CompletedAt:  fromNanos(r.CompletedAt),
		})
	}
	for _, h := range p.Histories {
		hist := ChunkHistory{Chunk: h.Chunk, Records: recordsIn(h.Records)}
		if len(h.Head) > 0 {
			hist.Head = h.Head
		}
		s.Histories = append(s.Histories, hist)
	}
	for _, l := range p.Locks {
		s.Locks = append(s.Locks, LockInfo{LockHandle: LockHandle{
			Token:       l.Token,
			Chunk:       l.Chunk,
			Round:       l.Round,
			Participant: ParticipantID(l.Participant),
			AcquiredAt:  fromNanos(l.AcquiredAt),
			ExpiresAt:   fromNanos(l.ExpiresAt),
		}})
	}
	for _, pp := range p.Participants {
		info := ParticipantInfo{
			ID:        ParticipantID(pp.ID),
			Role:      Role(pp.Role),
			Banned:    pp.Banned,
			JoinedAt:  fromNanos(pp.JoinedAt),
			Forfeited: pp.Forfeited,
		}
		for _, a := range pp.Attempts {
			info.Attempts = append(info.Attempts, AttemptRecord{
				Attempt: Attempt{Round: a.Round, Chunk: a.Chunk},
				Outcome: Outcome(a.Outcome),
			})
		}
		s.Participants = append(s.Participants, info)
	}
	return s
}

func nonNilUint32s(in []uint32) []uint32 {
	return append([]uint32{}, in...)
}
