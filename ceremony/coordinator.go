package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anoma/trusted-setup-ceremony/logging"
)

//go:generate mockgen -package mocks -destination mocks/verifier.go . Verifier
//go:generate mockgen -package mocks -destination mocks/chunk_store.go . ChunkStore

// Verifier checks contributions. Verify is a pure function of its inputs;
// an error means the verifier could not run, not that the contribution is bad.
type Verifier interface {
	// Genesis returns the initial state of chunk and its digest.
	Genesis(chunk uint32) (payload, digest []byte, err error)
	Verify(ctx context.Context, predecessor, payload []byte) (Verdict, error)
}

// ChunkStore holds chunk states. Position 0 is the genesis state, position r+1 the
// state accepted in round r. Put is idempotent on identical content and fails with
// an error wrapping ErrChunkConflict when different content is already stored.
type ChunkStore interface {
	Get(ctx context.Context, chunk, position uint32) ([]byte, error)
	Put(ctx context.Context, chunk, position uint32, data []byte) error
}

// Coordinator is the ceremony state machine.
//
// Chunk ownership is decided by the LockTable alone. The transition lock mu
// guards round and ceremony bookkeeping and is never held across verification
// or storage calls.
type Coordinator struct {
	cfg       Config
	clock     clock.Clock
	verifier  Verifier
	store     ChunkStore
	state     StateStore
	locks     *LockTable
	registry  *Registry
	scheduler *Scheduler

	mu           sync.RWMutex
	id           string
	status       Status
	pausedReason string
	aborted      bool
	current      uint32
	rounds       []*roundState
	histories    [][]ContributionRecord

	// serializes snapshot writes so a newer snapshot is never overwritten by an older one
	persistMu sync.Mutex
}

type newCoordinatorOptions struct {
	cfg   Config
	clock clock.Clock
}

type newCoordinatorOptionFunc func(*newCoordinatorOptions)

func WithConfig(cfg Config) newCoordinatorOptionFunc {
	return func(opts *newCoordinatorOptions) {
		opts.cfg = cfg
	}
}

func WithClock(c clock.Clock) newCoordinatorOptionFunc {
	return func(opts *newCoordinatorOptions) {
		opts.clock = c
	}
}

// New restores the ceremony from state or starts a new one, writing the genesis
// chunks to store before the ceremony becomes Active.
func New(
	ctx context.Context,
	verifier Verifier,
	store ChunkStore,
	state StateStore,
	opts ...newCoordinatorOptionFunc,
) (*Coordinator, error) {
	options := newCoordinatorOptions{
		cfg:   DefaultConfig(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ceremony config: %w", err)
	}

	c := &Coordinator{
		cfg:      options.cfg,
		clock:    options.clock,
		verifier: verifier,
		store:    store,
		state:    state,
		registry: NewRegistry(options.cfg.ForfeitScope, !options.cfg.ClosedRegistration),
	}
	c.locks = NewLockTable(
		options.cfg.Chunks,
		WithLockClock(options.clock),
		WithPrecheck(c.precheck),
		WithEligibility(c.eligible),
		WithReleaseHook(c.released),
	)
	c.scheduler = NewScheduler(c.locks, c.registry, options.cfg.LockTTL)

	logger := logging.FromContext(ctx).Named("coordinator")
	snap, err := state.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		c.id = options.cfg.ID
		if c.id == "" {
			c.id = uuid.NewString()
		}
		c.status = StatusInitializing
		c.histories = make([][]ContributionRecord, options.cfg.Chunks)
		logger.Info("starting new ceremony", zap.String("id", c.id), zap.Inline(options.cfg))
	case err != nil:
		return nil, fmt.Errorf("loading ceremony state: %w", err)
	default:
		if err := c.restore(snap); err != nil {
			return nil, fmt.Errorf("restoring ceremony state: %w", err)
		}
		logger.Info("restored ceremony",
			zap.String("id", c.id),
			zap.Stringer("status", c.status),
			zap.Uint32("round", c.current),
			zap.Int("locks", len(snap.Locks)),
		)
	}

	if c.status == StatusInitializing {
		if err := c.activate(ctx); err != nil {
			return nil, err
		}
	}
	c.updateGauges()
	return c, nil
}

func (c *Coordinator) restore(s *Snapshot) error {
	if s.Chunks != c.cfg.Chunks || s.Rounds != c.cfg.Rounds {
		return fmt.Errorf(
			"snapshot has %d chunks and %d rounds, configured %d and %d",
			s.Chunks, s.Rounds, c.cfg.Chunks, c.cfg.Rounds,
		)
	}
	c.id = s.ID
	c.status = s.Status
	c.pausedReason = s.PausedReason
	c.aborted = s.Aborted
	c.current = s.CurrentRound
	c.rounds = make([]*roundState, 0, len(s.RoundStates))
	for _, r := range s.RoundStates {
		if uint32(len(r.Predecessors)) != c.cfg.Chunks {
			return fmt.Errorf("%w: round %d has %d chunks", ErrRoundStateCorrupted, r.Index, len(r.Predecessors))
		}
		c.rounds = append(c.rounds, restoreRound(r))
	}
	c.histories = make([][]ContributionRecord, c.cfg.Chunks)
	for _, h := range s.Histories {
		if h.Chunk >= c.cfg.Chunks {
			return fmt.Errorf("%w: history of chunk %d", ErrInvalidChunk, h.Chunk)
		}
		c.histories[h.Chunk] = append([]ContributionRecord(nil), h.Records...)
	}
	c.registry.Restore(s.Participants)
	return c.locks.Restore(s.Locks, s.LockTokens)
}

// activate writes genesis chunks and opens round 0.
func (c *Coordinator) activate(ctx context.Context) error {
	predecessors := make([][]byte, c.cfg.Chunks)
	for i := uint32(0); i < c.cfg.Chunks; i++ {
		payload, digest, err := c.verifier.Genesis(i)
		if err != nil {
			return fmt.Errorf("%w: genesis of chunk %d: %w", ErrVerifierUnavailable, i, err)
		}
		if len(digest) == 0 {
			return fmt.Errorf("%w: empty genesis digest for chunk %d", ErrVerifierUnavailable, i)
		}
		if err := c.store.Put(ctx, i, 0, payload); err != nil {
			return fmt.Errorf("%w: storing genesis of chunk %d: %w", ErrStoreUnavailable, i, err)
		}
		predecessors[i] = digest
	}

	c.mu.Lock()
	c.rounds = []*roundState{newRoundState(0, predecessors, make([]uint32, c.cfg.Chunks), c.clock.Now())}
	c.current = 0
	c.status = StatusActive
	c.mu.Unlock()

	logging.FromContext(ctx).Info("ceremony active", zap.String("id", c.id), zap.Uint32("chunks", c.cfg.Chunks))
	return c.persist(ctx)
}

func (c *Coordinator) ID() string {
	return c.id
}

func (c *Coordinator) Config() Config {
	return c.cfg
}

// activeRound must be called with mu held.
func (c *Coordinator) activeRound() *roundState {
	if int(c.current) < len(c.rounds) {
		return c.rounds[c.current]
	}
	return nil
}

// roundAt must be called with mu held.
func (c *Coordinator) roundAt(index uint32) *roundState {
	if int(index) < len(c.rounds) {
		return c.rounds[index]
	}
	return nil
}

// eligible runs inside LockTable.Acquire after the chunk slot was won.
// precheck runs the same checks before the slot is contended, without recording the attempt.
func (c *Coordinator) eligible(p ParticipantID, round, chunk uint32) error {
	return c.checkEligible(p, round, chunk, c.registry.RecordAttempt)
}

func (c *Coordinator) precheck(p ParticipantID, round, chunk uint32) error {
	return c.checkEligible(p, round, chunk, c.registry.Eligible)
}

func (c *Coordinator) checkEligible(p ParticipantID, round, chunk uint32, participant EligibilityFunc) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusActive {
		return fmt.Errorf("%w: ceremony is %s", ErrCeremonyNotActive, c.status)
	}
	active := c.activeRound()
	if active == nil || active.index != round {
		return fmt.Errorf("%w: round %d is not active", ErrChunkNotEligible, round)
	}
	if !active.isPending(chunk) {
		return fmt.Errorf("%w: chunk %d of round %d is complete", ErrChunkNotEligible, chunk, round)
	}
	return participant(p, round, chunk)
}

// released observes every lock release.
func (c *Coordinator) released(h LockHandle, outcome Outcome) {
	lockReleasesMetric.WithLabelValues(outcome.String()).Inc()
	c.registry.Resolve(h.Participant, h.Round, h.Chunk, outcome)
}

// Join registers participant p with role.
func (c *Coordinator) Join(ctx context.Context, p ParticipantID, role Role) error {
	if c.Status().Status == StatusClosed {
		return fmt.Errorf("%w: ceremony is closed", ErrCeremonyNotActive)
	}
	joined, err := c.registry.Join(p, role, c.clock.Now())
	if err != nil {
		return err
	}
	if joined {
		logging.FromContext(ctx).Info("participant joined", zap.String("participant", string(p)), zap.Stringer("role", role))
		participantsMetric.Set(float64(c.registry.Len()))
		return c.persist(ctx)
	}
	return nil
}

// Authorize checks that p is a registered, unbanned participant with role.
func (c *Coordinator) Authorize(p ParticipantID, role Role) error {
	info, ok := c.registry.Lookup(p)
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	case info.Banned:
		return fmt.Errorf("%w: %s", ErrParticipantBanned, p)
	case info.Role != role:
		return fmt.Errorf("%w: %s is a %s, not a %s", ErrUnauthorizedRole, p, info.Role, role)
	}
	return nil
}

func (c *Coordinator) Participant(p ParticipantID) (ParticipantInfo, error) {
	info, ok := c.registry.Lookup(p)
	if !ok {
		return ParticipantInfo{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	}
	return info, nil
}

// RequestChunk assigns the lowest-index eligible chunk of the active round to p
// and returns the lock with the predecessor state to build upon.
func (c *Coordinator) RequestChunk(ctx context.Context, p ParticipantID) (*Assignment, error) {
	logger := logging.FromContext(ctx).With(zap.String("participant", string(p)))

	c.mu.RLock()
	status := c.status
	active := c.activeRound()
	var candidates []uint32
	if active != nil {
		candidates = active.pendingChunks()
	}
	c.mu.RUnlock()
	if status != StatusActive || active == nil {
		return nil, fmt.Errorf("%w: ceremony is %s", ErrCeremonyNotActive, status)
	}

	joined, err := c.registry.Admit(p, RoleContributor, c.clock.Now())
	if err != nil {
		return nil, err
	}
	if joined {
		logger.Info("participant joined")
		participantsMetric.Set(float64(c.registry.Len()))
	}

	h, err := c.scheduler.Assign(p, active.index, candidates)
	if err != nil {
		logger.Debug("no chunk assigned", zap.Error(err))
		if joined {
			if perr := c.persist(ctx); perr != nil {
				logger.Warn("failed to persist new participant", zap.Error(perr))
			}
		}
		return nil, err
	}

	c.mu.RLock()
	predecessor := append([]byte(nil), active.predecessors[h.Chunk]...)
	position := active.positions[h.Chunk]
	c.mu.RUnlock()

	payload, err := c.store.Get(ctx, h.Chunk, position)
	if err != nil {
		c.undoAssignment(h)
		logger.Warn("failed to read predecessor chunk", zap.Uint32("chunk", h.Chunk), zap.Error(err))
		return nil, fmt.Errorf("%w: reading chunk %d position %d: %w", ErrStoreUnavailable, h.Chunk, position, err)
	}
	if err := c.persist(ctx); err != nil {
		c.undoAssignment(h)
		logger.Warn("failed to persist lock", zap.Uint32("chunk", h.Chunk), zap.Error(err))
		return nil, err
	}

	lockAcquisitionsMetric.Inc()
	locksHeldMetric.Set(float64(len(c.locks.Locks())))
	logger.Info("chunk assigned", zap.Object("lock", h))
	return &Assignment{Lock: h, Predecessor: predecessor, Payload: payload}, nil
}

func (c *Coordinator) undoAssignment(h LockHandle) {
	c.locks.rollback(h)
	c.registry.Forget(h.Participant, h.Round, h.Chunk)
}

// SubmitContribution verifies payload against the predecessor of the chunk locked by h.
// A rejected contribution returns its record together with an error wrapping
// ErrContributionRejected.
func (c *Coordinator) SubmitContribution(
	ctx context.Context,
	p ParticipantID,
	h LockHandle,
	payload []byte,
) (*ContributionRecord, error) {
	logger := logging.FromContext(ctx).With(
		zap.String("participant", string(p)),
		zap.Uint32("round", h.Round),
		zap.Uint32("chunk", h.Chunk),
	)
	submittedAt := c.clock.Now()

	if h.Participant != p {
		return nil, fmt.Errorf("%w: lock belongs to %s", ErrLockOwnerMismatch, h.Participant)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidContribution)
	}
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	if status != StatusActive && status != StatusPaused {
		return nil, fmt.Errorf("%w: ceremony is %s", ErrCeremonyNotActive, status)
	}
	if info, ok := c.registry.Lookup(p); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	} else if info.Banned {
		return nil, fmt.Errorf("%w: %s", ErrParticipantBanned, p)
	}

	if err := c.locks.BeginCommit(h); err != nil {
		return nil, err
	}

	c.mu.RLock()
	held := c.locks.Holds(h)
	round := c.roundAt(h.Round)
	current := round != nil && round == c.activeRound() && round.isPending(h.Chunk)
	var predecessor []byte
	if current {
		predecessor = append([]byte(nil), round.predecessors[h.Chunk]...)
	}
	c.mu.RUnlock()
	switch {
	case !held:
		return nil, fmt.Errorf("%w: lock on chunk %d was revoked", ErrLockNotHeld, h.Chunk)
	case !current:
		c.locks.Release(h, OutcomeRevoked)
		err := fmt.Errorf("%w: live lock on chunk %d of round %d which is not pending", ErrRoundStateCorrupted, h.Chunk, h.Round)
		c.fault(ctx, err)
		return nil, err
	}

	start := time.Now()
	verdict, err := c.verifier.Verify(ctx, predecessor, payload)
	verificationLatencyMetric.Observe(time.Since(start).Seconds())
	if err != nil {
		c.locks.AbortCommit(h)
		logger.Warn("verifier failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}

	record := ContributionRecord{
		Round:       h.Round,
		Chunk:       h.Chunk,
		Participant: p,
		Predecessor: predecessor,
		SubmittedAt: submittedAt,
		VerifiedAt:  c.clock.Now(),
	}
	if !verdict.Accepted {
		return c.reject(ctx, h, record, verdict.Reason)
	}
	if len(verdict.Digest) == 0 {
		c.locks.AbortCommit(h)
		return nil, fmt.Errorf("%w: accepted contribution without digest", ErrVerifierUnavailable)
	}
	record.Digest = verdict.Digest
	return c.accept(ctx, h, record, payload)
}

func (c *Coordinator) reject(ctx context.Context, h LockHandle, record ContributionRecord, reason string) (*ContributionRecord, error) {
	record.Status = VerificationRejected
	record.Reason = reason

	c.mu.Lock()
	if !c.locks.Holds(h) || c.status == StatusClosed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: lock on chunk %d was revoked during verification", ErrLockNotHeld, h.Chunk)
	}
	if round := c.roundAt(h.Round); round != nil {
		round.rejected = append(round.rejected, record)
	}
	c.mu.Unlock()
	c.locks.Release(h, OutcomeRejected)
	contributionsMetric.WithLabelValues(VerificationRejected.String()).Inc()

	logging.FromContext(ctx).Info("contribution rejected", zap.Object("record", &record))
	c.persistOrPause(ctx)
	return &record, fmt.Errorf("%w: %s", ErrContributionRejected, reason)
}

func (c *Coordinator) accept(ctx context.Context, h LockHandle, record ContributionRecord, payload []byte) (*ContributionRecord, error) {
	logger := logging.FromContext(ctx)
	if err := c.store.Put(ctx, h.Chunk, h.Round+1, payload); err != nil {
		c.locks.AbortCommit(h)
		if errors.Is(err, ErrChunkConflict) {
			err = fmt.Errorf("storing chunk %d of round %d: %w", h.Chunk, h.Round, err)
			c.fault(ctx, err)
			return nil, err
		}
		logger.Warn("failed to store accepted chunk", zap.Error(err))
		return nil, fmt.Errorf("%w: storing chunk %d of round %d: %w", ErrStoreUnavailable, h.Chunk, h.Round, err)
	}
	record.Status = VerificationAccepted

	now := c.clock.Now()
	c.mu.Lock()
	if !c.locks.Holds(h) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: lock on chunk %d was revoked during verification", ErrLockNotHeld, h.Chunk)
	}
	round := c.roundAt(h.Round)
	if round == nil || round != c.activeRound() {
		c.mu.Unlock()
		c.locks.Release(h, OutcomeRevoked)
		err := fmt.Errorf("%w: round %d is not active", ErrRoundStateCorrupted, h.Round)
		c.fault(ctx, err)
		return nil, err
	}
	if !bytes.Equal(round.predecessors[h.Chunk], record.Predecessor) {
		c.mu.Unlock()
		c.locks.Release(h, OutcomeRevoked)
		err := fmt.Errorf("%w: chunk %d of round %d", ErrPredecessorMismatch, h.Chunk, h.Round)
		c.fault(ctx, err)
		return nil, err
	}
	if err := round.accept(h.Chunk, record.Digest, now); err != nil {
		c.mu.Unlock()
		c.locks.Release(h, OutcomeRevoked)
		c.fault(ctx, err)
		return nil, err
	}
	c.histories[h.Chunk] = append(c.histories[h.Chunk], record)
	completed := round.complete()
	var closed bool
	if completed {
		closed = c.advanceLocked(now)
	}
	c.mu.Unlock()

	c.locks.Release(h, OutcomeAccepted)
	contributionsMetric.WithLabelValues(VerificationAccepted.String()).Inc()
	logger.Info("contribution accepted", zap.Object("record", &record))
	switch {
	case closed:
		logger.Info("final round complete, ceremony closed", zap.Uint32("round", h.Round))
	case completed:
		logger.Info("round complete, advanced", zap.Uint32("round", h.Round), zap.Uint32("next", h.Round+1))
	}
	c.persistOrPause(ctx)
	c.updateGauges()
	return &record, nil
}

// advanceLocked opens the next round or closes the ceremony after the last one.
// Must be called with mu held and the active round complete.
func (c *Coordinator) advanceLocked(now time.Time) (closed bool) {
	active := c.activeRound()
	if active.index+1 >= c.cfg.Rounds {
		c.status = StatusClosed
		c.current = c.cfg.Rounds
		return true
	}
	c.rounds = append(c.rounds, active.next(now))
	c.current = active.index + 1
	return false
}

// fault reports a consistency fault and pauses an active ceremony.
func (c *Coordinator) fault(ctx context.Context, err error) {
	logger := logging.FromContext(ctx)
	logger.Error("consistency fault, pausing ceremony", zap.Error(err))
	c.mu.Lock()
	paused := c.status == StatusActive
	if paused {
		c.status = StatusPaused
		c.pausedReason = err.Error()
	}
	c.mu.Unlock()
	if paused {
		reportStatus(StatusPaused)
	}
	if perr := c.persist(ctx); perr != nil {
		logger.Error("failed to persist ceremony state", zap.Error(perr))
	}
}

// persistOrPause persists after a mutation that cannot be rolled back.
// If that fails the ceremony is paused until an operator resumes it.
func (c *Coordinator) persistOrPause(ctx context.Context) {
	if err := c.persist(ctx); err != nil {
		c.fault(ctx, err)
	}
}

func (c *Coordinator) persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.state.SaveSnapshot(ctx, c.Snapshot()); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Status returns the ceremony_status view.
func (c *Coordinator) Status() CeremonyStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := CeremonyStatus{
		ID:           c.id,
		Status:       c.status,
		PausedReason: c.pausedReason,
		Chunks:       c.cfg.Chunks,
		Rounds:       c.cfg.Rounds,
		CurrentRound: c.current,
		Participants: c.registry.Len(),
		Aborted:      c.aborted,
	}
	round := c.activeRound()
	if round == nil && len(c.rounds) > 0 {
		round = c.rounds[len(c.rounds)-1]
	}
	if round != nil {
		s.Round = RoundInfo{
			Index:     round.index,
			Status:    round.status(c.locks),
			Pending:   round.pendingChunks(),
			Accepted:  len(round.accepted) - round.pending - len(round.carried),
			Rejected:  len(round.rejected),
			StartedAt: round.startedAt,
		}
		for _, chunk := range s.Round.Pending {
			if _, ok := c.locks.Check(chunk); ok {
				s.Round.Locked = append(s.Round.Locked, chunk)
			}
		}
	}
	return s
}

// Snapshot dumps the full ceremony tables.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.RLock()
	s := &Snapshot{
		ID:           c.id,
		Status:       c.status,
		PausedReason: c.pausedReason,
		Aborted:      c.aborted,
		Chunks:       c.cfg.Chunks,
		Rounds:       c.cfg.Rounds,
		CurrentRound: c.current,
		TakenAt:      c.clock.Now(),
	}
	for _, r := range c.rounds {
		s.RoundStates = append(s.RoundStates, r.snapshot(c.locks))
	}
	for i, records := range c.histories {
		s.Histories = append(s.Histories, ChunkHistory{
			Chunk:   uint32(i),
			Head:    c.headLocked(uint32(i)),
			Records: append([]ContributionRecord(nil), records...),
		})
	}
	c.mu.RUnlock()

	s.Locks = c.locks.Locks()
	s.LockTokens = c.locks.Tokens()
	s.Participants = c.registry.Participants()
	return s
}

// headLocked is the digest of the last accepted contribution to chunk, or its genesis digest.
func (c *Coordinator) headLocked(chunk uint32) []byte {
	if records := c.histories[chunk]; len(records) > 0 {
		return append([]byte(nil), records[len(records)-1].Digest...)
	}
	if len(c.rounds) > 0 {
		return append([]byte(nil), c.rounds[0].predecessors[chunk]...)
	}
	return nil
}

// Audit re-verifies the stored accepted contribution of chunk in round.
func (c *Coordinator) Audit(ctx context.Context, round, chunk uint32) (*AuditResult, error) {
	if chunk >= c.cfg.Chunks {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunk, chunk)
	}
	c.mu.RLock()
	var record *ContributionRecord
	for _, r := range c.histories[chunk] {
		if r.Round == round {
			r := r
			record = &r
			break
		}
	}
	c.mu.RUnlock()
	if record == nil {
		return nil, fmt.Errorf("%w: no accepted contribution for chunk %d in round %d", ErrNotFound, chunk, round)
	}

	payload, err := c.store.Get(ctx, chunk, round+1)
	if err != nil {
		return nil, fmt.Errorf("%w: reading chunk %d position %d: %w", ErrStoreUnavailable, chunk, round+1, err)
	}
	verdict, err := c.verifier.Verify(ctx, record.Predecessor, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	result := &AuditResult{Record: *record, Valid: true}
	switch {
	case !verdict.Accepted:
		result.Valid = false
		result.Reason = verdict.Reason
	case !bytes.Equal(verdict.Digest, record.Digest):
		result.Valid = false
		result.Reason = "stored chunk does not match the recorded digest"
	}
	if !result.Valid {
		logging.FromContext(ctx).Error("audit failed", zap.Object("record", record), zap.String("reason", result.Reason))
	}
	return result, nil
}

// Transcript returns the final chunk heads of a closed ceremony.
func (c *Coordinator) Transcript() (*Transcript, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusClosed {
		return nil, fmt.Errorf("%w: ceremony is %s", ErrCeremonyNotClosed, c.status)
	}
	t := &Transcript{
		ID:       c.id,
		Heads:    make([][]byte, c.cfg.Chunks),
		Aborted:  c.aborted,
		Accepted: make([][]ContributionRecord, len(c.rounds)),
	}
	for i := range t.Heads {
		t.Heads[i] = c.headLocked(uint32(i))
		t.Concatenated = append(t.Concatenated, t.Heads[i]...)
	}
	for _, records := range c.histories {
		for _, r := range records {
			t.Accepted[r.Round] = append(t.Accepted[r.Round], r)
		}
	}
	root, err := transcriptRoot(t.Heads)
	if err != nil {
		return nil, err
	}
	t.Root = root
	return t, nil
}

// Sweep force-releases expired locks.
func (c *Coordinator) Sweep(ctx context.Context) []LockHandle {
	expired := c.locks.Sweep(c.clock.Now())
	if len(expired) == 0 {
		return nil
	}
	logger := logging.FromContext(ctx)
	for _, h := range expired {
		logger.Info("lock expired", zap.Object("lock", h))
	}
	c.persistOrPause(ctx)
	locksHeldMetric.Set(float64(len(c.locks.Locks())))
	return expired
}

// Run sweeps expired locks every SweepInterval until ctx is done, then saves the state once more.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, logger := logging.Named(ctx, "sweeper")
	ticker := c.clock.Ticker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down, saving ceremony state")
			saveCtx := logging.NewContext(context.Background(), logger)
			if err := c.persist(saveCtx); err != nil {
				return fmt.Errorf("saving state on shutdown: %w", err)
			}
			return nil
		case <-ticker.C:
			if expired := c.Sweep(ctx); len(expired) > 0 {
				logger.Debug("swept expired locks", zap.Int("count", len(expired)))
			}
			c.updateGauges()
			s := c.Status()
			logger.Debug("status",
				zap.Stringer("status", s.Status),
				zap.Uint32("round", s.CurrentRound),
				zap.Stringer("round_status", s.Round.Status),
				zap.Uint32s("pending", s.Round.Pending),
				zap.Uint32s("locked", s.Round.Locked),
				zap.Int("participants", s.Participants),
			)
		}
	}
}

func (c *Coordinator) updateGauges() {
	s := c.Status()
	reportStatus(s.Status)
	currentRoundMetric.Set(float64(s.CurrentRound))
	pendingChunksMetric.Set(float64(len(s.Round.Pending)))
	participantsMetric.Set(float64(s.Participants))
	locksHeldMetric.Set(float64(len(c.locks.Locks())))
}
