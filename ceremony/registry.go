package ceremony

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Attempt is a (round, chunk) pair a participant was assigned.
type Attempt struct {
	Round uint32 `json:"round"`
	Chunk uint32 `json:"chunk"`
}

type participant struct {
	id       ParticipantID
	role     Role
	banned   bool
	joinedAt time.Time
	attempts map[Attempt]Outcome
	// chunk indexes forfeited for the whole ceremony
	forfeited map[uint32]struct{}
}

// ParticipantInfo is a point-in-time view of a registered participant.
type ParticipantInfo struct {
	ID        ParticipantID   `json:"id"`
	Role      Role            `json:"role"`
	Banned    bool            `json:"banned"`
	JoinedAt  time.Time       `json:"joined_at"`
	Attempts  []AttemptRecord `json:"attempts"`
	Forfeited []uint32        `json:"forfeited,omitempty"`
}

// AttemptRecord is an attempt and how it ended. OutcomeNone means it is still in progress.
type AttemptRecord struct {
	Attempt
	Outcome Outcome `json:"outcome"`
}

// Registry tracks known participants and every chunk they were assigned.
type Registry struct {
	mu           sync.RWMutex
	scope        ForfeitScope
	open         bool
	participants map[ParticipantID]*participant
}

func NewRegistry(scope ForfeitScope, openRegistration bool) *Registry {
	return &Registry{
		scope:        scope,
		open:         openRegistration,
		participants: make(map[ParticipantID]*participant),
	}
}

// Join registers p with role. Joining again with the same role is a no-op.
func (r *Registry) Join(p ParticipantID, role Role, now time.Time) (joined bool, err error) {
	if p == "" {
		return false, fmt.Errorf("%w: empty participant id", ErrUnknownParticipant)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.participants[p]; ok {
		if existing.banned {
			return false, fmt.Errorf("%w: %s", ErrParticipantBanned, p)
		}
		if existing.role != role {
			return false, fmt.Errorf("%w: %s is registered as %s", ErrUnauthorizedRole, p, existing.role)
		}
		return false, nil
	}
	r.participants[p] = &participant{
		id:        p,
		role:      role,
		joinedAt:  now,
		attempts:  make(map[Attempt]Outcome),
		forfeited: make(map[uint32]struct{}),
	}
	return true, nil
}

// Admit checks that p may act with role, auto-joining unknown contributors when registration is open.
func (r *Registry) Admit(p ParticipantID, role Role, now time.Time) (joined bool, err error) {
	r.mu.RLock()
	existing, ok := r.participants[p]
	var banned bool
	var current Role
	if ok {
		banned, current = existing.banned, existing.role
	}
	r.mu.RUnlock()

	switch {
	case !ok && r.open && role == RoleContributor:
		return r.Join(p, role, now)
	case !ok:
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	case banned:
		return false, fmt.Errorf("%w: %s", ErrParticipantBanned, p)
	case current != role:
		return false, fmt.Errorf("%w: %s is a %s, not a %s", ErrUnauthorizedRole, p, current, role)
	}
	return false, nil
}

// Eligible reports whether p may be assigned chunk in round. Lock ownership is
// enforced by the LockTable.
func (r *Registry) Eligible(p ParticipantID, round, chunk uint32) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eligibleLocked(p, round, chunk)
}

func (r *Registry) eligibleLocked(p ParticipantID, round, chunk uint32) error {
	part, ok := r.participants[p]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	case part.banned:
		return fmt.Errorf("%w: %s", ErrParticipantBanned, p)
	case part.role != RoleContributor:
		return fmt.Errorf("%w: %s is a %s", ErrUnauthorizedRole, p, part.role)
	}
	if _, ok := part.attempts[Attempt{Round: round, Chunk: chunk}]; ok {
		return duplicateAttempt(p, round, chunk)
	}
	if _, ok := part.forfeited[chunk]; ok {
		return fmt.Errorf("%w: %s forfeited chunk %d", ErrChunkNotEligible, p, chunk)
	}
	return nil
}

// RecordAttempt atomically checks eligibility and records the attempt.
func (r *Registry) RecordAttempt(p ParticipantID, round, chunk uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.eligibleLocked(p, round, chunk); err != nil {
		return err
	}
	r.participants[p].attempts[Attempt{Round: round, Chunk: chunk}] = OutcomeNone
	return nil
}

// Forget removes an attempt whose assignment was rolled back before the participant saw it.
func (r *Registry) Forget(p ParticipantID, round, chunk uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if part, ok := r.participants[p]; ok {
		delete(part.attempts, Attempt{Round: round, Chunk: chunk})
	}
}

// Resolve records how an attempt ended. The attempt itself is never removed.
func (r *Registry) Resolve(p ParticipantID, round, chunk uint32, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	part, ok := r.participants[p]
	if !ok {
		return
	}
	part.attempts[Attempt{Round: round, Chunk: chunk}] = outcome
	if outcome == OutcomeRejected && r.scope == ForfeitCeremony {
		part.forfeited[chunk] = struct{}{}
	}
}

func (r *Registry) SetBanned(p ParticipantID, banned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	part, ok := r.participants[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	}
	part.banned = banned
	return nil
}

func (r *Registry) Lookup(p ParticipantID) (ParticipantInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	part, ok := r.participants[p]
	if !ok {
		return ParticipantInfo{}, false
	}
	return part.info(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Participants returns all participants ordered by id.
func (r *Registry) Participants() []ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := maps.Keys(r.participants)
	slices.Sort(ids)
	infos := make([]ParticipantInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, r.participants[id].info())
	}
	return infos
}

// Restore replaces the registry content with infos.
func (r *Registry) Restore(infos []ParticipantInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[ParticipantID]*participant, len(infos))
	for _, info := range infos {
		part := &participant{
			id:        info.ID,
			role:      info.Role,
			banned:    info.Banned,
			joinedAt:  info.JoinedAt,
			attempts:  make(map[Attempt]Outcome, len(info.Attempts)),
			forfeited: make(map[uint32]struct{}, len(info.Forfeited)),
		}
		for _, a := range info.Attempts {
			part.attempts[a.Attempt] = a.Outcome
		}
		for _, c := range info.Forfeited {
			part.forfeited[c] = struct{}{}
		}
		r.participants[info.ID] = part
	}
}

func (p *participant) info() ParticipantInfo {
	info := ParticipantInfo{
		ID:       p.id,
		Role:     p.role,
		Banned:   p.banned,
		JoinedAt: p.joinedAt,
		Attempts: make([]AttemptRecord, 0, len(p.attempts)),
	}
	for a, o := range p.attempts {
		info.Attempts = append(info.Attempts, AttemptRecord{Attempt: a, Outcome: o})
	}
	slices.SortFunc(info.Attempts, func(a, b AttemptRecord) bool {
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		return a.Chunk < b.Chunk
	})
	info.Forfeited = maps.Keys(p.forfeited)
	slices.Sort(info.Forfeited)
	return info
}
