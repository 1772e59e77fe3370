package ceremony_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/ceremony/mocks"
	"github.com/anoma/trusted-setup-ceremony/logging"
)

// prefixVerifier accepts payloads that extend the predecessor digest,
// unless they end with "bad". The digest is the hash of the payload.
type prefixVerifier struct{}

func (prefixVerifier) Genesis(chunk uint32) ([]byte, []byte, error) {
	payload := []byte(fmt.Sprintf("genesis-%d", chunk))
	digest := sha256.Sum256(payload)
	return payload, digest[:], nil
}

func (prefixVerifier) Verify(_ context.Context, predecessor, payload []byte) (ceremony.Verdict, error) {
	if !bytes.HasPrefix(payload, predecessor) || len(payload) == len(predecessor) {
		return ceremony.Reject("payload does not extend predecessor"), nil
	}
	if bytes.HasSuffix(payload, []byte("bad")) {
		return ceremony.Reject("bad contribution"), nil
	}
	digest := sha256.Sum256(payload)
	return ceremony.Accept(digest[:]), nil
}

type memStore struct {
	mu    sync.Mutex
	blobs map[[2]uint32][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[[2]uint32][]byte)}
}

func (s *memStore) Get(_ context.Context, chunk, position uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[[2]uint32{chunk, position}]
	if !ok {
		return nil, ceremony.ErrNotFound
	}
	return data, nil
}

func (s *memStore) Put(_ context.Context, chunk, position uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]uint32{chunk, position}
	if existing, ok := s.blobs[key]; ok && !bytes.Equal(existing, data) {
		return ceremony.ErrChunkConflict
	}
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) set(chunk, position uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[[2]uint32{chunk, position}] = data
}

type testCeremony struct {
	*ceremony.Coordinator
	ctx   context.Context
	clock *clock.Mock
	store *memStore
	db    *ceremony.Database
	dir   string
}

func testConfig(chunks, rounds uint32) ceremony.Config {
	cfg := ceremony.DefaultConfig()
	cfg.ID = "test"
	cfg.Chunks = chunks
	cfg.Rounds = rounds
	cfg.LockTTL = 5 * time.Second
	return cfg
}

func newTestCeremony(t *testing.T, cfg ceremony.Config) *testCeremony {
	t.Helper()
	tc := &testCeremony{
		ctx:   logging.NewContext(context.Background(), zaptest.NewLogger(t)),
		clock: clock.NewMock(),
		store: newMemStore(),
		dir:   t.TempDir(),
	}
	tc.clock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tc.open(t, cfg, prefixVerifier{})
	return tc
}

func (tc *testCeremony) open(t *testing.T, cfg ceremony.Config, verifier ceremony.Verifier) {
	t.Helper()
	db, err := ceremony.OpenDatabase(tc.dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := ceremony.New(tc.ctx, verifier, tc.store, db, ceremony.WithConfig(cfg), ceremony.WithClock(tc.clock))
	require.NoError(t, err)
	tc.Coordinator = c
	tc.db = db
}

func (tc *testCeremony) request(t *testing.T, p ceremony.ParticipantID) *ceremony.Assignment {
	t.Helper()
	a, err := tc.RequestChunk(tc.ctx, p)
	require.NoError(t, err)
	return a
}

func contribution(a *ceremony.Assignment, suffix string) []byte {
	return append(append([]byte(nil), a.Predecessor...), suffix...)
}

func (tc *testCeremony) contribute(t *testing.T, p ceremony.ParticipantID) *ceremony.ContributionRecord {
	t.Helper()
	a := tc.request(t, p)
	record, err := tc.SubmitContribution(tc.ctx, p, a.Lock, contribution(a, string(p)))
	require.NoError(t, err)
	return record
}

func TestCoordinator_New(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(3, 2))

	status := tc.Status()
	require.Equal(t, ceremony.StatusActive, status.Status)
	require.Equal(t, "test", status.ID)
	require.EqualValues(t, 0, status.CurrentRound)
	require.Equal(t, ceremony.RoundOpen, status.Round.Status)
	require.Equal(t, []uint32{0, 1, 2}, status.Round.Pending)

	for i := uint32(0); i < 3; i++ {
		payload, err := tc.store.Get(tc.ctx, i, 0)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("genesis-%d", i)), payload)
	}

	_, err := ceremony.New(tc.ctx, prefixVerifier{}, tc.store, tc.db, ceremony.WithConfig(ceremony.Config{}))
	require.Error(t, err)
}

// Scenario A: an accepted contribution moves the participant to the next chunk.
func TestCoordinator_AcceptThenNextChunk(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(3, 1))

	a := tc.request(t, "p1")
	require.EqualValues(t, 0, a.Lock.Chunk)
	require.Equal(t, []byte("genesis-0"), a.Payload)
	genesis := sha256.Sum256([]byte("genesis-0"))
	require.Equal(t, genesis[:], a.Predecessor)

	payload := contribution(a, "p1")
	record, err := tc.SubmitContribution(tc.ctx, "p1", a.Lock, payload)
	require.NoError(t, err)
	require.Equal(t, ceremony.VerificationAccepted, record.Status)
	digest := sha256.Sum256(payload)
	require.Equal(t, digest[:], record.Digest)
	require.Equal(t, a.Predecessor, record.Predecessor)

	stored, err := tc.store.Get(tc.ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, payload, stored)

	next := tc.request(t, "p1")
	require.EqualValues(t, 1, next.Lock.Chunk)
	require.Equal(t, []uint32{1, 2}, tc.Status().Round.Pending)
	require.Equal(t, []uint32{1}, tc.Status().Round.Locked)
}

// Scenario B: an expired lock is swept and the chunk goes to another participant.
func TestCoordinator_SweepReassigns(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(3, 1))
	tc.contribute(t, "p0")
	tc.contribute(t, "p0")

	a := tc.request(t, "p1")
	require.EqualValues(t, 2, a.Lock.Chunk)

	_, err := tc.RequestChunk(tc.ctx, "p2")
	require.ErrorIs(t, err, ceremony.ErrNoWorkAvailable)

	tc.clock.Add(6 * time.Second)
	expired := tc.Sweep(tc.ctx)
	require.Len(t, expired, 1)
	require.Equal(t, a.Lock, expired[0])

	b := tc.request(t, "p2")
	require.EqualValues(t, 2, b.Lock.Chunk)

	// the expired holder can neither submit nor get the chunk back
	_, err = tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "late"))
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)
	info, err := tc.Participant("p1")
	require.NoError(t, err)
	require.Equal(t, ceremony.OutcomeExpired, info.Attempts[0].Outcome)
}

// Scenario C: a rejected contribution frees the chunk for someone else only.
func TestCoordinator_RejectedContribution(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(3, 1))
	tc.request(t, "p0")

	a := tc.request(t, "p1")
	require.EqualValues(t, 1, a.Lock.Chunk)
	record, err := tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "bad"))
	require.ErrorIs(t, err, ceremony.ErrContributionRejected)
	require.Equal(t, ceremony.KindVerification, ceremony.KindOf(err))
	require.Equal(t, ceremony.VerificationRejected, record.Status)
	require.Equal(t, "bad contribution", record.Reason)

	status := tc.Status()
	require.Equal(t, []uint32{0, 1, 2}, status.Round.Pending)
	require.Equal(t, []uint32{0}, status.Round.Locked)
	require.Equal(t, 1, status.Round.Rejected)

	again := tc.request(t, "p1")
	require.EqualValues(t, 2, again.Lock.Chunk)

	other := tc.request(t, "p2")
	require.EqualValues(t, 1, other.Lock.Chunk)

	_, err = tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "retry"))
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)
	_, err = tc.SubmitContribution(tc.ctx, "p1", other.Lock, contribution(other, "p1"))
	require.ErrorIs(t, err, ceremony.ErrLockOwnerMismatch)
}

// Scenario D: completing a round advances it, completing the last one closes the ceremony.
func TestCoordinator_RoundAdvance(t *testing.T) {
	t.Parallel()
	t.Run("next round builds on accepted heads", func(t *testing.T) {
		t.Parallel()
		tc := newTestCeremony(t, testConfig(2, 2))
		r0 := tc.contribute(t, "p1")
		r1 := tc.contribute(t, "p2")
		require.EqualValues(t, 0, r0.Chunk)
		require.EqualValues(t, 1, r1.Chunk)

		status := tc.Status()
		require.Equal(t, ceremony.StatusActive, status.Status)
		require.EqualValues(t, 1, status.CurrentRound)
		require.Equal(t, []uint32{0, 1}, status.Round.Pending)

		a := tc.request(t, "p1")
		require.EqualValues(t, 1, a.Lock.Round)
		require.EqualValues(t, 0, a.Lock.Chunk)
		require.Equal(t, r0.Digest, a.Predecessor)
		require.Equal(t, contribution(&ceremony.Assignment{Predecessor: r0.Predecessor}, "p1"), a.Payload)

		snap := tc.Snapshot()
		require.Len(t, snap.RoundStates, 2)
		require.Equal(t, ceremony.RoundComplete, snap.RoundStates[0].Status)
		require.Equal(t, snap.RoundStates[0].Heads, snap.RoundStates[1].Predecessors)
	})
	t.Run("last round closes the ceremony", func(t *testing.T) {
		t.Parallel()
		tc := newTestCeremony(t, testConfig(3, 1))
		_, err := tc.Transcript()
		require.ErrorIs(t, err, ceremony.ErrCeremonyNotClosed)

		var heads [][]byte
		for _, p := range []ceremony.ParticipantID{"p1", "p2", "p3"} {
			heads = append(heads, tc.contribute(t, p).Digest)
		}
		require.Equal(t, ceremony.StatusClosed, tc.Status().Status)

		transcript, err := tc.Transcript()
		require.NoError(t, err)
		require.False(t, transcript.Aborted)
		require.Equal(t, heads, transcript.Heads)
		require.Equal(t, bytes.Join(heads, nil), transcript.Concatenated)
		require.Len(t, transcript.Root, 32)
		require.Len(t, transcript.Accepted, 1)
		require.Len(t, transcript.Accepted[0], 3)
	})
}

func TestCoordinator_PauseResume(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 1))
	a := tc.request(t, "p1")

	require.NoError(t, tc.Pause(tc.ctx, "maintenance"))
	require.ErrorIs(t, tc.Pause(tc.ctx, "again"), ceremony.ErrInvalidTransition)
	status := tc.Status()
	require.Equal(t, ceremony.StatusPaused, status.Status)
	require.Equal(t, "maintenance", status.PausedReason)

	_, err := tc.RequestChunk(tc.ctx, "p2")
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)

	// in-flight contributions drain while paused
	_, err = tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "p1"))
	require.NoError(t, err)

	require.NoError(t, tc.Resume(tc.ctx))
	require.ErrorIs(t, tc.Resume(tc.ctx), ceremony.ErrInvalidTransition)
	b := tc.request(t, "p2")
	require.EqualValues(t, 1, b.Lock.Chunk)
}

func TestCoordinator_ClosedIsTerminal(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 3))
	tc.contribute(t, "p1")
	a := tc.request(t, "p2")

	require.NoError(t, tc.CloseCeremony(tc.ctx, "abort"))
	before := tc.Snapshot()
	require.Equal(t, ceremony.StatusClosed, before.Status)
	require.True(t, before.Aborted)
	require.Empty(t, before.Locks)

	_, err := tc.RequestChunk(tc.ctx, "p3")
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)
	_, err = tc.SubmitContribution(tc.ctx, "p2", a.Lock, contribution(a, "p2"))
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)
	require.ErrorIs(t, tc.ForceAdvance(tc.ctx, true), ceremony.ErrCeremonyNotActive)
	require.ErrorIs(t, tc.Pause(tc.ctx, ""), ceremony.ErrInvalidTransition)
	require.ErrorIs(t, tc.Resume(tc.ctx), ceremony.ErrInvalidTransition)
	require.ErrorIs(t, tc.CloseCeremony(tc.ctx, ""), ceremony.ErrCeremonyNotActive)
	_, err = tc.ForceUnlock(tc.ctx, 0)
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)
	require.ErrorIs(t, tc.Join(tc.ctx, "p4", ceremony.RoleContributor), ceremony.ErrCeremonyNotActive)
	require.Empty(t, tc.Sweep(tc.ctx))

	require.Equal(t, before, tc.Snapshot())

	transcript, err := tc.Transcript()
	require.NoError(t, err)
	require.True(t, transcript.Aborted)
}

func TestCoordinator_Restart(t *testing.T) {
	t.Parallel()
	cfg := testConfig(3, 2)
	tc := newTestCeremony(t, cfg)
	accepted := tc.contribute(t, "p1")
	a := tc.request(t, "p2")
	_, err := tc.SubmitContribution(tc.ctx, "p3", tc.request(t, "p3").Lock, []byte("bad"))
	require.ErrorIs(t, err, ceremony.ErrContributionRejected)
	before := tc.Snapshot()
	require.NoError(t, tc.db.Close())

	tc.open(t, cfg, prefixVerifier{})
	after := tc.Snapshot()
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.CurrentRound, after.CurrentRound)
	require.Equal(t, before.Histories, after.Histories)
	require.Equal(t, before.Locks, after.Locks)
	require.Equal(t, before.LockTokens, after.LockTokens)
	require.Equal(t, before.Participants, after.Participants)
	require.Equal(t, before.RoundStates, after.RoundStates)

	// the lock taken before the restart is still valid
	record, err := tc.SubmitContribution(tc.ctx, "p2", a.Lock, contribution(a, "p2"))
	require.NoError(t, err)
	require.EqualValues(t, 1, record.Chunk)

	// attempts survive too
	next := tc.request(t, "p1")
	require.EqualValues(t, 2, next.Lock.Chunk)
	require.NotEqual(t, accepted.Chunk, next.Lock.Chunk)

	_, err = ceremony.New(tc.ctx, prefixVerifier{}, tc.store, tc.db, ceremony.WithConfig(testConfig(4, 2)))
	require.Error(t, err, "restoring with a different chunk count")
}

func TestCoordinator_InfrastructureFailures(t *testing.T) {
	t.Parallel()
	t.Run("verifier unavailable keeps the lock", func(t *testing.T) {
		t.Parallel()
		verifier := mocks.NewMockVerifier(gomock.NewController(t))
		verifier.EXPECT().Genesis(gomock.Any()).DoAndReturn(prefixVerifier{}.Genesis).AnyTimes()
		tc := newTestCeremony(t, testConfig(2, 1))
		tc.store = newMemStore()
		tc.dir = t.TempDir()
		tc.open(t, testConfig(2, 1), verifier)

		a := tc.request(t, "p1")
		payload := contribution(a, "p1")
		verifier.EXPECT().Verify(gomock.Any(), a.Predecessor, payload).Return(ceremony.Verdict{}, errors.New("timeout"))
		_, err := tc.SubmitContribution(tc.ctx, "p1", a.Lock, payload)
		require.ErrorIs(t, err, ceremony.ErrVerifierUnavailable)
		require.Equal(t, ceremony.KindInfrastructure, ceremony.KindOf(err))
		require.Equal(t, []uint32{0}, tc.Status().Round.Locked)

		verifier.EXPECT().Verify(gomock.Any(), a.Predecessor, payload).DoAndReturn(prefixVerifier{}.Verify)
		_, err = tc.SubmitContribution(tc.ctx, "p1", a.Lock, payload)
		require.NoError(t, err)
	})
	t.Run("store unavailable on submit keeps the lock", func(t *testing.T) {
		t.Parallel()
		store := mocks.NewMockChunkStore(gomock.NewController(t))
		mem := newMemStore()
		store.EXPECT().Put(gomock.Any(), gomock.Any(), uint32(0), gomock.Any()).DoAndReturn(mem.Put).AnyTimes()
		store.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(mem.Get).AnyTimes()

		ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
		db, err := ceremony.OpenDatabase(t.TempDir(), false)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		c, err := ceremony.New(ctx, prefixVerifier{}, store, db, ceremony.WithConfig(testConfig(2, 1)))
		require.NoError(t, err)

		a, err := c.RequestChunk(ctx, "p1")
		require.NoError(t, err)
		store.EXPECT().Put(gomock.Any(), uint32(0), uint32(1), gomock.Any()).Return(errors.New("disk full"))
		_, err = c.SubmitContribution(ctx, "p1", a.Lock, contribution(a, "p1"))
		require.ErrorIs(t, err, ceremony.ErrStoreUnavailable)
		require.Equal(t, []uint32{0}, c.Status().Round.Locked)
		require.Equal(t, []uint32{0, 1}, c.Status().Round.Pending)
	})
	t.Run("store unavailable on request rolls back", func(t *testing.T) {
		t.Parallel()
		store := mocks.NewMockChunkStore(gomock.NewController(t))
		store.EXPECT().Put(gomock.Any(), gomock.Any(), uint32(0), gomock.Any()).Return(nil).Times(2)

		ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
		db, err := ceremony.OpenDatabase(t.TempDir(), false)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		c, err := ceremony.New(ctx, prefixVerifier{}, store, db, ceremony.WithConfig(testConfig(2, 1)))
		require.NoError(t, err)

		store.EXPECT().Get(gomock.Any(), uint32(0), uint32(0)).Return(nil, errors.New("unreachable"))
		_, err = c.RequestChunk(ctx, "p1")
		require.ErrorIs(t, err, ceremony.ErrStoreUnavailable)
		require.Empty(t, c.Status().Round.Locked)
		info, err := c.Participant("p1")
		require.NoError(t, err)
		require.Empty(t, info.Attempts)

		store.EXPECT().Get(gomock.Any(), uint32(0), uint32(0)).Return([]byte("genesis-0"), nil)
		a, err := c.RequestChunk(ctx, "p1")
		require.NoError(t, err)
		require.EqualValues(t, 0, a.Lock.Chunk)
	})
	t.Run("persistence failure pauses", func(t *testing.T) {
		t.Parallel()
		state := mocks.NewMockStateStore(gomock.NewController(t))
		state.EXPECT().LoadSnapshot(gomock.Any()).Return(nil, ceremony.ErrNoSnapshot)
		state.EXPECT().SaveSnapshot(gomock.Any(), gomock.Any()).Return(nil).Times(2)

		ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
		c, err := ceremony.New(ctx, prefixVerifier{}, newMemStore(), state, ceremony.WithConfig(testConfig(2, 1)))
		require.NoError(t, err)
		a, err := c.RequestChunk(ctx, "p1")
		require.NoError(t, err)

		state.EXPECT().SaveSnapshot(gomock.Any(), gomock.Any()).Return(errors.New("io error")).Times(2)
		_, err = c.SubmitContribution(ctx, "p1", a.Lock, contribution(a, "p1"))
		require.NoError(t, err, "the contribution itself was accepted")
		require.Equal(t, ceremony.StatusPaused, c.Status().Status)
		require.Contains(t, c.Status().PausedReason, "io error")
	})
}

func TestCoordinator_ForceAdvance(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(3, 2))
	r0 := tc.contribute(t, "p1")
	held := tc.request(t, "p2")
	require.EqualValues(t, 1, held.Lock.Chunk)

	err := tc.ForceAdvance(tc.ctx, false)
	require.ErrorIs(t, err, ceremony.ErrRoundIncomplete)
	require.EqualValues(t, 0, tc.Status().CurrentRound)

	require.NoError(t, tc.ForceAdvance(tc.ctx, true))
	status := tc.Status()
	require.EqualValues(t, 1, status.CurrentRound)
	require.Empty(t, status.Round.Locked)

	_, err = tc.SubmitContribution(tc.ctx, "p2", held.Lock, contribution(held, "p2"))
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)
	info, err := tc.Participant("p2")
	require.NoError(t, err)
	require.Equal(t, ceremony.OutcomeRevoked, info.Attempts[0].Outcome)

	snap := tc.Snapshot()
	require.Equal(t, []uint32{1, 2}, snap.RoundStates[0].Carried)
	require.Equal(t, r0.Digest, snap.RoundStates[1].Predecessors[0])
	require.Equal(t, snap.RoundStates[0].Predecessors[1], snap.RoundStates[1].Predecessors[1])
	require.Equal(t, []uint32{1, 0, 0}, snap.RoundStates[1].Positions)

	// carried chunks are served from their last stored state
	a := tc.request(t, "p2")
	require.EqualValues(t, 0, a.Lock.Chunk)
	b := tc.request(t, "p3")
	require.EqualValues(t, 1, b.Lock.Chunk)
	require.Equal(t, []byte("genesis-1"), b.Payload)

	require.NoError(t, tc.ForceAdvance(tc.ctx, true))
	require.Equal(t, ceremony.StatusClosed, tc.Status().Status)
}

func TestCoordinator_ForceUnlock(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 1))
	a := tc.request(t, "p1")

	h, err := tc.ForceUnlock(tc.ctx, 0)
	require.NoError(t, err)
	require.Equal(t, a.Lock, h)
	_, err = tc.ForceUnlock(tc.ctx, 0)
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)
	_, err = tc.ForceUnlock(tc.ctx, 7)
	require.ErrorIs(t, err, ceremony.ErrInvalidChunk)

	b := tc.request(t, "p2")
	require.EqualValues(t, 0, b.Lock.Chunk)
	c := tc.request(t, "p1")
	require.EqualValues(t, 1, c.Lock.Chunk, "revoked attempt stays on record")
}

func TestCoordinator_BanUnban(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 1))
	a := tc.request(t, "p1")

	require.NoError(t, tc.Ban(tc.ctx, "p1"))
	require.Empty(t, tc.Status().Round.Locked)
	_, err := tc.RequestChunk(tc.ctx, "p1")
	require.ErrorIs(t, err, ceremony.ErrParticipantBanned)
	_, err = tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "p1"))
	require.ErrorIs(t, err, ceremony.ErrParticipantBanned)
	require.ErrorIs(t, tc.Ban(tc.ctx, "nobody"), ceremony.ErrUnknownParticipant)

	require.NoError(t, tc.Unban(tc.ctx, "p1"))
	b := tc.request(t, "p1")
	require.EqualValues(t, 1, b.Lock.Chunk)
}

func TestCoordinator_Drop(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 1))
	a := tc.request(t, "p1")

	h, err := tc.Drop(tc.ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, a.Lock, h)
	require.Empty(t, tc.Status().Round.Locked)
	_, err = tc.Drop(tc.ctx, "p1")
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)
	_, err = tc.Drop(tc.ctx, "nobody")
	require.ErrorIs(t, err, ceremony.ErrUnknownParticipant)

	info, err := tc.Participant("p1")
	require.NoError(t, err)
	require.False(t, info.Banned)
	require.Equal(t, ceremony.OutcomeRevoked, info.Attempts[0].Outcome)
	b := tc.request(t, "p1")
	require.EqualValues(t, 1, b.Lock.Chunk)

	require.NoError(t, tc.CloseCeremony(tc.ctx, "done"))
	_, err = tc.Drop(tc.ctx, "p1")
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)
}

// A lock revoked while its contribution is verified leaves no trace of the verdict.
func TestCoordinator_RevokedDuringVerification(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name   string
		revoke func(tc *testCeremony) error
	}{
		{
			name:   "ceremony closed",
			revoke: func(tc *testCeremony) error { return tc.CloseCeremony(tc.ctx, "aborted") },
		},
		{
			name:   "round forced forward",
			revoke: func(tc *testCeremony) error { return tc.ForceAdvance(tc.ctx, true) },
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			verifier := mocks.NewMockVerifier(gomock.NewController(t))
			verifier.EXPECT().Genesis(gomock.Any()).DoAndReturn(prefixVerifier{}.Genesis).AnyTimes()
			tc := newTestCeremony(t, testConfig(2, 2))
			tc.store = newMemStore()
			tc.dir = t.TempDir()
			tc.open(t, testConfig(2, 2), verifier)

			a := tc.request(t, "p1")
			entered := make(chan struct{})
			release := make(chan struct{})
			verifier.EXPECT().Verify(gomock.Any(), a.Predecessor, gomock.Any()).DoAndReturn(
				func(context.Context, []byte, []byte) (ceremony.Verdict, error) {
					close(entered)
					<-release
					return ceremony.Reject("bad contribution"), nil
				},
			)

			var eg errgroup.Group
			eg.Go(func() error {
				_, err := tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "bad"))
				if !errors.Is(err, ceremony.ErrLockNotHeld) {
					return fmt.Errorf("expected lock not held, got %v", err)
				}
				return nil
			})
			<-entered
			require.NoError(t, tt.revoke(tc))
			close(release)
			require.NoError(t, eg.Wait())

			snap := tc.Snapshot()
			require.Empty(t, snap.RoundStates[0].Rejected)
			require.Zero(t, tc.Status().Round.Rejected)
			info, err := tc.Participant("p1")
			require.NoError(t, err)
			require.Equal(t, ceremony.OutcomeRevoked, info.Attempts[0].Outcome)
		})
	}
}

func TestCoordinator_ConsistencyFault(t *testing.T) {
	t.Parallel()
	store := mocks.NewMockChunkStore(gomock.NewController(t))
	mem := newMemStore()
	store.EXPECT().Put(gomock.Any(), gomock.Any(), uint32(0), gomock.Any()).DoAndReturn(mem.Put).AnyTimes()
	store.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(mem.Get).AnyTimes()

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	db, err := ceremony.OpenDatabase(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := ceremony.New(ctx, prefixVerifier{}, store, db, ceremony.WithConfig(testConfig(2, 1)))
	require.NoError(t, err)

	a, err := c.RequestChunk(ctx, "p1")
	require.NoError(t, err)
	b, err := c.RequestChunk(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, ceremony.RoundVerifying, c.Status().Round.Status)

	store.EXPECT().Put(gomock.Any(), a.Lock.Chunk, uint32(1), gomock.Any()).Return(ceremony.ErrChunkConflict)
	_, err = c.SubmitContribution(ctx, "p1", a.Lock, contribution(a, "p1"))
	require.ErrorIs(t, err, ceremony.ErrChunkConflict)
	require.Equal(t, ceremony.KindConsistency, ceremony.KindOf(err))

	status := c.Status()
	require.Equal(t, ceremony.StatusPaused, status.Status)
	require.Contains(t, status.PausedReason, "conflicting")
	require.Equal(t, []uint32{0, 1}, status.Round.Locked, "the faulted lock stays held")
	_, err = c.RequestChunk(ctx, "p3")
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)

	store.EXPECT().Put(gomock.Any(), b.Lock.Chunk, uint32(1), gomock.Any()).DoAndReturn(mem.Put)
	record, err := c.SubmitContribution(ctx, "p2", b.Lock, contribution(b, "p2"))
	require.NoError(t, err)
	require.Equal(t, ceremony.VerificationAccepted, record.Status)
	require.Equal(t, []uint32{a.Lock.Chunk}, c.Status().Round.Pending)
}

func TestCoordinator_RoundVerifying(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 1))
	tc.request(t, "p1")
	require.Equal(t, ceremony.RoundOpen, tc.Status().Round.Status)
	tc.request(t, "p2")
	require.Equal(t, ceremony.RoundVerifying, tc.Status().Round.Status)
	_, err := tc.RequestChunk(tc.ctx, "p3")
	require.ErrorIs(t, err, ceremony.ErrNoWorkAvailable)

	tc.clock.Add(6 * time.Second)
	require.Len(t, tc.Sweep(tc.ctx), 2)
	require.Equal(t, ceremony.RoundOpen, tc.Status().Round.Status)
}

func TestCoordinator_Registration(t *testing.T) {
	t.Parallel()
	cfg := testConfig(2, 1)
	cfg.ClosedRegistration = true
	tc := newTestCeremony(t, cfg)

	_, err := tc.RequestChunk(tc.ctx, "p1")
	require.ErrorIs(t, err, ceremony.ErrUnknownParticipant)

	require.NoError(t, tc.Join(tc.ctx, "p1", ceremony.RoleContributor))
	require.NoError(t, tc.Join(tc.ctx, "v1", ceremony.RoleVerifier))
	tc.request(t, "p1")

	_, err = tc.RequestChunk(tc.ctx, "v1")
	require.ErrorIs(t, err, ceremony.ErrUnauthorizedRole)
	require.NoError(t, tc.Authorize("v1", ceremony.RoleVerifier))
	require.ErrorIs(t, tc.Authorize("p1", ceremony.RoleVerifier), ceremony.ErrUnauthorizedRole)
	require.ErrorIs(t, tc.Authorize("p9", ceremony.RoleVerifier), ceremony.ErrUnknownParticipant)
	require.Equal(t, 2, tc.Status().Participants)
}

func TestCoordinator_ForfeitScope(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		scope    ceremony.ForfeitScope
		expected uint32
	}{
		{scope: ceremony.ForfeitRound, expected: 0},
		{scope: ceremony.ForfeitCeremony, expected: 1},
	} {
		tt := tt
		t.Run(string(tt.scope), func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(2, 2)
			cfg.ForfeitScope = tt.scope
			tc := newTestCeremony(t, cfg)

			a := tc.request(t, "p1")
			_, err := tc.SubmitContribution(tc.ctx, "p1", a.Lock, contribution(a, "bad"))
			require.ErrorIs(t, err, ceremony.ErrContributionRejected)
			tc.contribute(t, "p2")
			tc.contribute(t, "p2")
			require.EqualValues(t, 1, tc.Status().CurrentRound)

			next := tc.request(t, "p1")
			require.Equal(t, tt.expected, next.Lock.Chunk)
		})
	}
}

func TestCoordinator_Audit(t *testing.T) {
	t.Parallel()
	tc := newTestCeremony(t, testConfig(2, 1))
	record := tc.contribute(t, "p1")

	result, err := tc.Audit(tc.ctx, 0, record.Chunk)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, *record, result.Record)

	_, err = tc.Audit(tc.ctx, 0, 1)
	require.ErrorIs(t, err, ceremony.ErrNotFound)
	_, err = tc.Audit(tc.ctx, 0, 9)
	require.ErrorIs(t, err, ceremony.ErrInvalidChunk)

	tc.store.set(record.Chunk, 1, append(append([]byte(nil), record.Predecessor...), "tampered"...))
	result, err = tc.Audit(tc.ctx, 0, record.Chunk)
	require.NoError(t, err)
	require.False(t, result.Valid)
}

func TestCoordinator_Concurrent(t *testing.T) {
	t.Parallel()
	const (
		chunks       = 4
		rounds       = 3
		participants = 8
	)
	tc := newTestCeremony(t, testConfig(chunks, rounds))
	ctx, cancel := context.WithTimeout(tc.ctx, 30*time.Second)
	defer cancel()

	var eg errgroup.Group
	for i := 0; i < participants; i++ {
		p := ceremony.ParticipantID(fmt.Sprintf("p%d", i))
		eg.Go(func() error {
			for ctx.Err() == nil {
				a, err := tc.RequestChunk(ctx, p)
				switch {
				case errors.Is(err, ceremony.ErrCeremonyNotActive):
					return nil
				case errors.Is(err, ceremony.ErrNoWorkAvailable):
					time.Sleep(time.Millisecond)
					continue
				case err != nil:
					return err
				}
				if _, err := tc.SubmitContribution(ctx, p, a.Lock, contribution(a, string(p))); err != nil {
					return err
				}
			}
			return ctx.Err()
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, ceremony.StatusClosed, tc.Status().Status)

	snap := tc.Snapshot()
	for _, h := range snap.Histories {
		require.Len(t, h.Records, rounds)
		for r, record := range h.Records {
			require.EqualValues(t, r, record.Round)
			require.Equal(t, ceremony.VerificationAccepted, record.Status)
			if r == 0 {
				require.Equal(t, snap.RoundStates[0].Predecessors[h.Chunk], record.Predecessor)
			} else {
				require.Equal(t, h.Records[r-1].Digest, record.Predecessor)
			}
		}
		require.Equal(t, h.Records[rounds-1].Digest, h.Head)
	}
	for _, p := range snap.Participants {
		seen := make(map[ceremony.Attempt]bool)
		for _, a := range p.Attempts {
			require.False(t, seen[a.Attempt])
			seen[a.Attempt] = true
		}
	}
}
