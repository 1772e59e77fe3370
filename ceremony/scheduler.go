package ceremony

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// roundState is the bookkeeping of one round. It is guarded by the coordinator's transition lock.
type roundState struct {
	index uint32
	// predecessors[i] is the digest chunk i's contribution must build upon.
	predecessors [][]byte
	// positions[i] is where chunk i's predecessor payload lives in the chunk store.
	positions []uint32
	heads     [][]byte
	accepted  []bool
	pending   int
	rejected  []ContributionRecord
	// carried lists chunks forced forward without an accepted contribution.
	carried     []uint32
	startedAt   time.Time
	completedAt time.Time
}

func newRoundState(index uint32, predecessors [][]byte, positions []uint32, now time.Time) *roundState {
	return &roundState{
		index:        index,
		predecessors: predecessors,
		positions:    positions,
		heads:        make([][]byte, len(predecessors)),
		accepted:     make([]bool, len(predecessors)),
		pending:      len(predecessors),
		startedAt:    now,
	}
}

func (r *roundState) complete() bool {
	return r.pending == 0
}

func (r *roundState) isPending(chunk uint32) bool {
	return int(chunk) < len(r.accepted) && !r.accepted[chunk] && r.heads[chunk] == nil
}

// pendingChunks returns chunks without an accepted contribution in ascending order.
func (r *roundState) pendingChunks() []uint32 {
	chunks := make([]uint32, 0, r.pending)
	for i := range r.accepted {
		if r.isPending(uint32(i)) {
			chunks = append(chunks, uint32(i))
		}
	}
	return chunks
}

func (r *roundState) accept(chunk uint32, digest []byte, now time.Time) error {
	if !r.isPending(chunk) {
		return fmt.Errorf("%w: round %d chunk %d already has a head", ErrRoundStateCorrupted, r.index, chunk)
	}
	r.accepted[chunk] = true
	r.heads[chunk] = digest
	r.pending--
	if r.pending == 0 {
		r.completedAt = now
	}
	return nil
}

// carry completes every pending chunk with its predecessor as head.
func (r *roundState) carry(now time.Time) []uint32 {
	chunks := r.pendingChunks()
	for _, c := range chunks {
		r.heads[c] = r.predecessors[c]
		r.carried = append(r.carried, c)
	}
	r.pending = 0
	r.completedAt = now
	return chunks
}

// next seeds the following round: chunk i builds on this round's head of chunk i.
func (r *roundState) next(now time.Time) *roundState {
	predecessors := make([][]byte, len(r.heads))
	positions := make([]uint32, len(r.heads))
	for i, head := range r.heads {
		predecessors[i] = slices.Clone(head)
		if r.accepted[i] {
			positions[i] = r.index + 1
		} else {
			positions[i] = r.positions[i]
		}
	}
	return newRoundState(r.index+1, predecessors, positions, now)
}

// status derives the round status from pending chunks and the locks on them.
func (r *roundState) status(locks *LockTable) RoundStatus {
	if r.complete() {
		return RoundComplete
	}
	for _, c := range r.pendingChunks() {
		if _, ok := locks.Check(c); !ok {
			return RoundOpen
		}
	}
	return RoundVerifying
}

// Scheduler assigns free chunks of the active round to requesting participants.
type Scheduler struct {
	locks    *LockTable
	registry *Registry
	ttl      time.Duration
}

func NewScheduler(locks *LockTable, registry *Registry, ttl time.Duration) *Scheduler {
	return &Scheduler{locks: locks, registry: registry, ttl: ttl}
}

// Assign locks the lowest-index chunk among candidates that p may work on.
// Candidates locked by others or already attempted by p are skipped.
func (s *Scheduler) Assign(p ParticipantID, round uint32, candidates []uint32) (LockHandle, error) {
	if held, ok := s.locks.Held(p); ok {
		return LockHandle{}, fmt.Errorf("%w: chunk %d", ErrParticipantAlreadyLocked, held.Chunk)
	}
	candidates = slices.Clone(candidates)
	slices.Sort(candidates)
	var contended bool
	for _, chunk := range candidates {
		if err := s.registry.Eligible(p, round, chunk); err != nil {
			if errors.Is(err, ErrChunkNotEligible) {
				continue
			}
			return LockHandle{}, err
		}
		if _, locked := s.locks.Check(chunk); locked {
			contended = true
			continue
		}
		h, err := s.locks.Acquire(chunk, p, round, s.ttl)
		switch {
		case err == nil:
			return h, nil
		case errors.Is(err, ErrChunkLocked):
			contended = true
			continue
		case errors.Is(err, ErrChunkNotEligible):
			continue
		default:
			return LockHandle{}, err
		}
	}
	if contended {
		return LockHandle{}, fmt.Errorf("%w: every eligible chunk of round %d is locked", ErrNoWorkAvailable, round)
	}
	return LockHandle{}, fmt.Errorf("%w: participant %s has no eligible chunk in round %d", ErrNoWorkAvailable, p, round)
}
