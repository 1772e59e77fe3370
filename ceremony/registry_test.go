package ceremony

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_Join(t *testing.T) {
	t.Parallel()
	r := NewRegistry(ForfeitRound, false)
	now := time.Now()

	joined, err := r.Join("p1", RoleContributor, now)
	require.NoError(t, err)
	require.True(t, joined)

	joined, err = r.Join("p1", RoleContributor, now)
	require.NoError(t, err)
	require.False(t, joined)

	_, err = r.Join("p1", RoleVerifier, now)
	require.ErrorIs(t, err, ErrUnauthorizedRole)

	_, err = r.Join("", RoleVerifier, now)
	require.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestRegistry_Admit(t *testing.T) {
	t.Parallel()
	t.Run("open registration joins contributors", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry(ForfeitRound, true)
		joined, err := r.Admit("p1", RoleContributor, time.Now())
		require.NoError(t, err)
		require.True(t, joined)

		_, err = r.Admit("v1", RoleVerifier, time.Now())
		require.ErrorIs(t, err, ErrUnknownParticipant)
	})
	t.Run("closed registration", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry(ForfeitRound, false)
		_, err := r.Admit("p1", RoleContributor, time.Now())
		require.ErrorIs(t, err, ErrUnknownParticipant)
	})
	t.Run("banned and wrong role", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry(ForfeitRound, true)
		_, err := r.Join("v1", RoleVerifier, time.Now())
		require.NoError(t, err)
		_, err = r.Admit("v1", RoleContributor, time.Now())
		require.ErrorIs(t, err, ErrUnauthorizedRole)

		require.NoError(t, r.SetBanned("v1", true))
		_, err = r.Admit("v1", RoleVerifier, time.Now())
		require.ErrorIs(t, err, ErrParticipantBanned)
		require.ErrorIs(t, r.SetBanned("unknown", true), ErrUnknownParticipant)
	})
}

func TestRegistry_Attempts(t *testing.T) {
	t.Parallel()
	r := NewRegistry(ForfeitRound, true)
	_, err := r.Join("p1", RoleContributor, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.Eligible("p1", 0, 1))
	require.NoError(t, r.RecordAttempt("p1", 0, 1))

	err = r.RecordAttempt("p1", 0, 1)
	require.ErrorIs(t, err, ErrDuplicateAttempt)
	require.ErrorIs(t, err, ErrChunkNotEligible)
	require.Error(t, r.Eligible("p1", 0, 1))

	// other chunks and later rounds are unaffected
	require.NoError(t, r.Eligible("p1", 0, 2))
	require.NoError(t, r.Eligible("p1", 1, 1))

	r.Forget("p1", 0, 1)
	require.NoError(t, r.Eligible("p1", 0, 1))

	require.NoError(t, r.RecordAttempt("p1", 0, 1))
	r.Resolve("p1", 0, 1, OutcomeRejected)
	info, ok := r.Lookup("p1")
	require.True(t, ok)
	require.Equal(t, []AttemptRecord{{Attempt: Attempt{Round: 0, Chunk: 1}, Outcome: OutcomeRejected}}, info.Attempts)
	require.Empty(t, info.Forfeited)
	require.NoError(t, r.Eligible("p1", 1, 1), "round scope forfeits only the round")
}

func TestRegistry_CeremonyForfeit(t *testing.T) {
	t.Parallel()
	r := NewRegistry(ForfeitCeremony, true)
	_, err := r.Join("p1", RoleContributor, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.RecordAttempt("p1", 0, 1))
	r.Resolve("p1", 0, 1, OutcomeExpired)
	require.NoError(t, r.Eligible("p1", 1, 1), "expiry does not forfeit")

	require.NoError(t, r.RecordAttempt("p1", 1, 1))
	r.Resolve("p1", 1, 1, OutcomeRejected)
	require.ErrorIs(t, r.Eligible("p1", 2, 1), ErrChunkNotEligible)
	require.NoError(t, r.Eligible("p1", 2, 0))
}

func TestRegistry_Restore(t *testing.T) {
	t.Parallel()
	r := NewRegistry(ForfeitCeremony, true)
	_, err := r.Join("p2", RoleContributor, time.Now())
	require.NoError(t, err)
	_, err = r.Join("p1", RoleVerifier, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.RecordAttempt("p2", 0, 3))
	r.Resolve("p2", 0, 3, OutcomeRejected)
	require.NoError(t, r.SetBanned("p1", true))

	infos := r.Participants()
	require.Len(t, infos, 2)
	require.Equal(t, ParticipantID("p1"), infos[0].ID)

	restored := NewRegistry(ForfeitCeremony, true)
	restored.Restore(infos)
	require.Equal(t, infos, restored.Participants())
	require.ErrorIs(t, restored.Eligible("p2", 0, 3), ErrDuplicateAttempt)
	require.ErrorIs(t, restored.Eligible("p2", 4, 3), ErrChunkNotEligible)
}
