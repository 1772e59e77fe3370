package ceremony

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"
)

// LockHandle identifies one acquisition of a chunk lock.
// Tokens are unique for the lifetime of a ceremony, so a stale handle never matches a newer lock.
type LockHandle struct {
	Token       uint64        `json:"token"`
	Chunk       uint32        `json:"chunk"`
	Round       uint32        `json:"round"`
	Participant ParticipantID `json:"participant"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

func (h LockHandle) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("token", h.Token)
	enc.AddUint32("chunk", h.Chunk)
	enc.AddUint32("round", h.Round)
	enc.AddString("participant", string(h.Participant))
	enc.AddTime("expires_at", h.ExpiresAt)
	return nil
}

type lockState uint8

const (
	lockHeld lockState = iota
	// lockCommitting pins the lock while its contribution is verified and stored.
	// Committing locks never expire.
	lockCommitting
)

// lockRecord is immutable. State changes swap in a new record.
type lockRecord struct {
	LockHandle
	state lockState
}

func (r *lockRecord) live(now time.Time) bool {
	return r.state == lockCommitting || now.Before(r.ExpiresAt)
}

// LockInfo is a point-in-time view of a lock.
type LockInfo struct {
	LockHandle
	Committing bool `json:"committing"`
}

// EligibilityFunc decides whether participant may work on chunk in round.
// The eligibility hook is called after the chunk slot was won, so it may record the attempt.
// The precheck hook runs before the slot is contended and must not record anything.
type EligibilityFunc func(p ParticipantID, round, chunk uint32) error

// ReleaseFunc observes every release that actually freed a lock.
type ReleaseFunc func(h LockHandle, outcome Outcome)

// LockTable holds per-chunk mutual exclusion state.
// Every slot is a single atomically swapped record, so acquire, release and sweep
// race safely without any table-wide mutex.
type LockTable struct {
	clock    clock.Clock
	slots    []atomic.Pointer[lockRecord]
	owners   sync.Map // ParticipantID -> *atomic.Pointer[lockRecord]
	tokens   atomic.Uint64
	precheck EligibilityFunc
	eligible EligibilityFunc
	released ReleaseFunc
}

type lockTableOptions struct {
	clock    clock.Clock
	precheck EligibilityFunc
	eligible EligibilityFunc
	released ReleaseFunc
}

type LockTableOption func(*lockTableOptions)

func WithLockClock(c clock.Clock) LockTableOption {
	return func(o *lockTableOptions) {
		o.clock = c
	}
}

// WithPrecheck rejects ineligible callers before they can take over a chunk slot.
func WithPrecheck(f EligibilityFunc) LockTableOption {
	return func(o *lockTableOptions) {
		o.precheck = f
	}
}

func WithEligibility(f EligibilityFunc) LockTableOption {
	return func(o *lockTableOptions) {
		o.eligible = f
	}
}

func WithReleaseHook(f ReleaseFunc) LockTableOption {
	return func(o *lockTableOptions) {
		o.released = f
	}
}

func NewLockTable(chunks uint32, opts ...LockTableOption) *LockTable {
	options := lockTableOptions{
		clock:    clock.New(),
		precheck: func(ParticipantID, uint32, uint32) error { return nil },
		eligible: func(ParticipantID, uint32, uint32) error { return nil },
		released: func(LockHandle, Outcome) {},
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &LockTable{
		clock:    options.clock,
		slots:    make([]atomic.Pointer[lockRecord], chunks),
		precheck: options.precheck,
		eligible: options.eligible,
		released: options.released,
	}
}

func (t *LockTable) owner(p ParticipantID) *atomic.Pointer[lockRecord] {
	if o, ok := t.owners.Load(p); ok {
		return o.(*atomic.Pointer[lockRecord])
	}
	o, _ := t.owners.LoadOrStore(p, new(atomic.Pointer[lockRecord]))
	return o.(*atomic.Pointer[lockRecord])
}

// current returns the live record that rec still occupies in its chunk slot, if any.
func (t *LockTable) current(rec *lockRecord, now time.Time) *lockRecord {
	if rec == nil {
		return nil
	}
	cur := t.slots[rec.Chunk].Load()
	if cur == nil || cur.Token != rec.Token || !cur.live(now) {
		return nil
	}
	return cur
}

// Acquire locks chunk for participant in round until now+ttl.
// Exactly one of any number of concurrent callers can win a free or expired chunk.
func (t *LockTable) Acquire(chunk uint32, p ParticipantID, round uint32, ttl time.Duration) (LockHandle, error) {
	if int(chunk) >= len(t.slots) {
		return LockHandle{}, fmt.Errorf("%w: %d", ErrInvalidChunk, chunk)
	}
	// An ineligible caller must not win the slot, even briefly: every concurrent
	// caller would see ErrChunkLocked while the winner is rolled back.
	if err := t.precheck(p, round, chunk); err != nil {
		return LockHandle{}, err
	}
	now := t.clock.Now()
	rec := &lockRecord{LockHandle: LockHandle{
		Token:       t.tokens.Add(1),
		Chunk:       chunk,
		Round:       round,
		Participant: p,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}}

	// Reserve the participant first so that one participant never wins two chunks.
	// A reservation is only stale once its record sits expired in its chunk slot;
	// a record missing from its slot belongs to an acquisition or release in flight.
	owner := t.owner(p)
	for {
		prev := owner.Load()
		if prev != nil {
			cur := t.slots[prev.Chunk].Load()
			if cur == nil || cur.Token != prev.Token || cur.live(now) {
				return LockHandle{}, fmt.Errorf("%w: chunk %d", ErrParticipantAlreadyLocked, prev.Chunk)
			}
		}
		if owner.CompareAndSwap(prev, rec) {
			break
		}
	}

	// A failed swap means the slot changed under us: either a sweep freed it
	// and we try again, or another acquisition won and the retry reports it.
	slot := &t.slots[chunk]
	var prev *lockRecord
	for {
		prev = slot.Load()
		if prev != nil && prev.live(now) {
			owner.CompareAndSwap(rec, nil)
			return LockHandle{}, fmt.Errorf("%w: chunk %d held by %s", ErrChunkLocked, chunk, prev.Participant)
		}
		if slot.CompareAndSwap(prev, rec) {
			break
		}
	}
	if prev != nil {
		// Took over an expired lock the sweeper has not reached yet.
		t.owner(prev.Participant).CompareAndSwap(prev, nil)
		t.released(prev.LockHandle, OutcomeExpired)
	}

	if err := t.eligible(p, round, chunk); err != nil {
		slot.CompareAndSwap(rec, nil)
		owner.CompareAndSwap(rec, nil)
		return LockHandle{}, err
	}
	return rec.LockHandle, nil
}

// Release frees the lock identified by h. It reports whether this call released it;
// releasing an already released handle is a no-op.
func (t *LockTable) Release(h LockHandle, outcome Outcome) bool {
	if int(h.Chunk) >= len(t.slots) {
		return false
	}
	slot := &t.slots[h.Chunk]
	for {
		cur := slot.Load()
		if cur == nil || cur.Token != h.Token {
			return false
		}
		if slot.CompareAndSwap(cur, nil) {
			t.clearOwner(cur)
			t.released(cur.LockHandle, outcome)
			return true
		}
	}
}

// rollback frees a lock without reporting a release, for acquisitions undone by the caller.
func (t *LockTable) rollback(h LockHandle) {
	slot := &t.slots[h.Chunk]
	if cur := slot.Load(); cur != nil && cur.Token == h.Token && slot.CompareAndSwap(cur, nil) {
		t.clearOwner(cur)
	}
}

func (t *LockTable) clearOwner(rec *lockRecord) {
	owner := t.owner(rec.Participant)
	if o := owner.Load(); o != nil && o.Token == rec.Token {
		owner.CompareAndSwap(o, nil)
	}
}

// BeginCommit pins a live lock held by h so it can no longer expire.
func (t *LockTable) BeginCommit(h LockHandle) error {
	if int(h.Chunk) >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidChunk, h.Chunk)
	}
	slot := &t.slots[h.Chunk]
	for {
		now := t.clock.Now()
		cur := slot.Load()
		switch {
		case cur == nil || cur.Token != h.Token:
			return fmt.Errorf("%w: chunk %d token %d", ErrLockNotHeld, h.Chunk, h.Token)
		case cur.Participant != h.Participant:
			return fmt.Errorf("%w: chunk %d", ErrLockOwnerMismatch, h.Chunk)
		case cur.state == lockCommitting:
			return fmt.Errorf("%w: chunk %d", ErrCommitInProgress, h.Chunk)
		case !cur.live(now):
			return fmt.Errorf("%w: chunk %d expired at %s", ErrLockExpired, h.Chunk, cur.ExpiresAt.Format(time.RFC3339))
		}
		next := &lockRecord{LockHandle: cur.LockHandle, state: lockCommitting}
		if slot.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// AbortCommit returns a committing lock to the held state with its original expiry.
func (t *LockTable) AbortCommit(h LockHandle) {
	slot := &t.slots[h.Chunk]
	for {
		cur := slot.Load()
		if cur == nil || cur.Token != h.Token || cur.state != lockCommitting {
			return
		}
		next := &lockRecord{LockHandle: cur.LockHandle, state: lockHeld}
		if slot.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Sweep releases every held lock that expired at or before now.
func (t *LockTable) Sweep(now time.Time) []LockHandle {
	var expired []LockHandle
	for i := range t.slots {
		slot := &t.slots[i]
		cur := slot.Load()
		if cur == nil || cur.live(now) {
			continue
		}
		if slot.CompareAndSwap(cur, nil) {
			t.clearOwner(cur)
			t.released(cur.LockHandle, OutcomeExpired)
			expired = append(expired, cur.LockHandle)
		}
	}
	return expired
}

// Revoke releases whatever lock is on chunk, including a committing one, if it belongs to round.
func (t *LockTable) Revoke(chunk, round uint32) (LockHandle, bool) {
	if int(chunk) >= len(t.slots) {
		return LockHandle{}, false
	}
	slot := &t.slots[chunk]
	for {
		cur := slot.Load()
		if cur == nil || cur.Round != round {
			return LockHandle{}, false
		}
		if slot.CompareAndSwap(cur, nil) {
			t.clearOwner(cur)
			t.released(cur.LockHandle, OutcomeRevoked)
			return cur.LockHandle, true
		}
	}
}

// ForceRelease revokes the held lock on chunk. A non-zero token restricts it to that lock.
// Locks whose contribution is being committed are left alone.
func (t *LockTable) ForceRelease(chunk uint32, token uint64) (LockHandle, error) {
	if int(chunk) >= len(t.slots) {
		return LockHandle{}, fmt.Errorf("%w: %d", ErrInvalidChunk, chunk)
	}
	slot := &t.slots[chunk]
	for {
		cur := slot.Load()
		switch {
		case cur == nil || (token != 0 && cur.Token != token):
			return LockHandle{}, fmt.Errorf("%w: chunk %d is not locked", ErrLockNotHeld, chunk)
		case cur.state == lockCommitting:
			return LockHandle{}, fmt.Errorf("%w: chunk %d", ErrCommitInProgress, chunk)
		}
		if slot.CompareAndSwap(cur, nil) {
			t.clearOwner(cur)
			t.released(cur.LockHandle, OutcomeRevoked)
			return cur.LockHandle, nil
		}
	}
}

// Check returns the live lock on chunk, if any.
func (t *LockTable) Check(chunk uint32) (LockInfo, bool) {
	if int(chunk) >= len(t.slots) {
		return LockInfo{}, false
	}
	cur := t.slots[chunk].Load()
	if cur == nil || !cur.live(t.clock.Now()) {
		return LockInfo{}, false
	}
	return LockInfo{LockHandle: cur.LockHandle, Committing: cur.state == lockCommitting}, true
}

// Holds reports whether h is still the live lock on its chunk.
func (t *LockTable) Holds(h LockHandle) bool {
	info, ok := t.Check(h.Chunk)
	return ok && info.Token == h.Token
}

// Held returns the live lock held by participant p, if any.
func (t *LockTable) Held(p ParticipantID) (LockHandle, bool) {
	o, ok := t.owners.Load(p)
	if !ok {
		return LockHandle{}, false
	}
	held := t.current(o.(*atomic.Pointer[lockRecord]).Load(), t.clock.Now())
	if held == nil {
		return LockHandle{}, false
	}
	return held.LockHandle, true
}

// Locks lists all records in the table ordered by chunk, including expired ones not swept yet.
func (t *LockTable) Locks() []LockInfo {
	var locks []LockInfo
	for i := range t.slots {
		if cur := t.slots[i].Load(); cur != nil {
			locks = append(locks, LockInfo{LockHandle: cur.LockHandle, Committing: cur.state == lockCommitting})
		}
	}
	return locks
}

// Tokens returns the last issued lock token.
func (t *LockTable) Tokens() uint64 {
	return t.tokens.Load()
}

// Restore reinstalls locks loaded from a snapshot. Committing locks come back as held
// because their verification did not survive the restart.
func (t *LockTable) Restore(locks []LockInfo, tokens uint64) error {
	locks = slices.Clone(locks)
	slices.SortFunc(locks, func(a, b LockInfo) bool { return a.Token < b.Token })
	for _, l := range locks {
		if int(l.Chunk) >= len(t.slots) {
			return fmt.Errorf("%w: restoring lock on chunk %d", ErrInvalidChunk, l.Chunk)
		}
		if l.Token > tokens {
			tokens = l.Token
		}
		rec := &lockRecord{LockHandle: l.LockHandle}
		t.slots[l.Chunk].Store(rec)
		t.owner(l.Participant).Store(rec)
	}
	t.tokens.Store(tokens)
	return nil
}
