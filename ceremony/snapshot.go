package ceremony

import (
	"time"
)

// Snapshot is a full dump of the ceremony tables. It is what gets persisted after
// every mutation and what operators inspect.
type Snapshot struct {
	ID           string            `json:"id"`
	Status       Status            `json:"status"`
	PausedReason string            `json:"paused_reason,omitempty"`
	Aborted      bool              `json:"aborted,omitempty"`
	Chunks       uint32            `json:"chunks"`
	Rounds       uint32            `json:"rounds"`
	CurrentRound uint32            `json:"current_round"`
	RoundStates  []RoundSnapshot   `json:"round_states"`
	Histories    []ChunkHistory    `json:"histories"`
	Locks        []LockInfo        `json:"locks"`
	LockTokens   uint64            `json:"lock_tokens"`
	Participants []ParticipantInfo `json:"participants"`
	TakenAt      time.Time         `json:"taken_at"`
}

type RoundSnapshot struct {
	Index        uint32               `json:"index"`
	Status       RoundStatus          `json:"status"`
	Predecessors [][]byte             `json:"predecessors"`
	Positions    []uint32             `json:"positions"`
	Heads        [][]byte             `json:"heads"`
	Accepted     []bool               `json:"accepted"`
	Rejected     []ContributionRecord `json:"rejected"`
	Carried      []uint32             `json:"carried,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  time.Time            `json:"completed_at"`
}

// ChunkHistory is the accepted chain of one chunk.
type ChunkHistory struct {
	Chunk   uint32               `json:"chunk"`
	Head    []byte               `json:"head"`
	Records []ContributionRecord `json:"records"`
}

func (r *roundState) snapshot(locks *LockTable) RoundSnapshot {
	s := RoundSnapshot{
		Index:        r.index,
		Predecessors: cloneDigests(r.predecessors),
		Positions:    append([]uint32(nil), r.positions...),
		Heads:        cloneDigests(r.heads),
		Accepted:     append([]bool(nil), r.accepted...),
		Rejected:     append([]ContributionRecord(nil), r.rejected...),
		Carried:      append([]uint32(nil), r.carried...),
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
	}
	if locks != nil {
		s.Status = r.status(locks)
	} else if r.complete() {
		s.Status = RoundComplete
	}
	return s
}

func restoreRound(s RoundSnapshot) *roundState {
	r := &roundState{
		index:        s.Index,
		predecessors: cloneDigests(s.Predecessors),
		positions:    append([]uint32(nil), s.Positions...),
		heads:        make([][]byte, len(s.Predecessors)),
		accepted:     make([]bool, len(s.Predecessors)),
		rejected:     append([]ContributionRecord(nil), s.Rejected...),
		carried:      append([]uint32(nil), s.Carried...),
		startedAt:    s.StartedAt,
		completedAt:  s.CompletedAt,
	}
	copy(r.accepted, s.Accepted)
	for i := range r.heads {
		if i < len(s.Heads) && len(s.Heads[i]) > 0 {
			r.heads[i] = append([]byte(nil), s.Heads[i]...)
		}
		if r.heads[i] == nil {
			r.pending++
		}
	}
	return r
}

func cloneDigests(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, d := range in {
		if d != nil {
			out[i] = append([]byte(nil), d...)
		}
	}
	return out
}
