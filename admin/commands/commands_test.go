package commands_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anoma/trusted-setup-ceremony/admin"
	"github.com/anoma/trusted-setup-ceremony/admin/commands"
	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/chunkstore"
	"github.com/anoma/trusted-setup-ceremony/logging"
	"github.com/anoma/trusted-setup-ceremony/verifier"
)

type harness struct {
	ctx      context.Context
	c        *ceremony.Coordinator
	runner   *admin.CommandRunner
	verifier *verifier.HashChain
}

func newHarness(t *testing.T, chunks, rounds uint32) *harness {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	store, err := chunkstore.OpenLevelDB(t.TempDir(), 16, false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	db, err := ceremony.OpenDatabase(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	cfg := ceremony.DefaultConfig()
	cfg.Chunks = chunks
	cfg.Rounds = rounds
	h := &harness{ctx: ctx, runner: admin.NewCommandRunner(), verifier: verifier.NewHashChain()}
	h.c, err = ceremony.New(ctx, h.verifier, store, db, ceremony.WithConfig(cfg))
	require.NoError(t, err)
	commands.Register(h.runner, h.c)
	return h
}

func (h *harness) run(t *testing.T, name string, data any) interface{} {
	t.Helper()
	result, err := h.runner.RunCommand(h.ctx, name, data)
	require.NoError(t, err)
	return result
}

func (h *harness) contribute(t *testing.T, p ceremony.ParticipantID) {
	t.Helper()
	a, err := h.c.RequestChunk(h.ctx, p)
	require.NoError(t, err)
	payload, err := h.verifier.Contribute(a.Predecessor, a.Payload)
	require.NoError(t, err)
	record, err := h.c.SubmitContribution(h.ctx, p, a.Lock, payload)
	require.NoError(t, err)
	require.Equal(t, ceremony.VerificationAccepted, record.Status)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, 1)
	require.Equal(t, []string{
		"audit", "ban", "close-ceremony", "drop", "force-advance", "force-unlock",
		"pause", "resume", "snapshot", "status", "transcript", "unban",
	}, h.runner.Commands())
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 1)

	status := h.run(t, "pause", map[string]any{"reason": "maintenance"}).(ceremony.CeremonyStatus)
	require.Equal(t, ceremony.StatusPaused, status.Status)
	require.Equal(t, "maintenance", status.PausedReason)

	_, err := h.c.RequestChunk(h.ctx, "p1")
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotActive)

	_, err = h.runner.RunCommand(h.ctx, "pause", nil)
	require.ErrorIs(t, err, ceremony.ErrInvalidTransition)

	status = h.run(t, "resume", nil).(ceremony.CeremonyStatus)
	require.Equal(t, ceremony.StatusActive, status.Status)
}

func TestForceUnlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 1)
	a, err := h.c.RequestChunk(h.ctx, "p1")
	require.NoError(t, err)

	_, err = h.runner.RunCommand(h.ctx, "force-unlock", map[string]any{"chunk": -1.0})
	require.True(t, admin.IsInvalidAdminParameterError(err))
	_, err = h.runner.RunCommand(h.ctx, "force-unlock", map[string]any{"chunk": 1.5})
	require.True(t, admin.IsInvalidAdminParameterError(err))

	result := h.run(t, "force-unlock", map[string]any{"chunk": float64(a.Lock.Chunk)}).(map[string]any)
	require.Equal(t, a.Lock.Token, result["released"].(ceremony.LockHandle).Token)

	_, err = h.c.SubmitContribution(h.ctx, "p1", a.Lock, []byte("late"))
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)

	_, err = h.runner.RunCommand(h.ctx, "force-unlock", map[string]any{"chunk": "1"})
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)
}

func TestForceAdvanceAndClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 2)
	h.contribute(t, "p1")

	_, err := h.runner.RunCommand(h.ctx, "force-advance", nil)
	require.ErrorIs(t, err, ceremony.ErrRoundIncomplete)
	_, err = h.runner.RunCommand(h.ctx, "force-advance", map[string]any{"override": "yes"})
	require.True(t, admin.IsInvalidAdminParameterError(err))

	status := h.run(t, "force-advance", map[string]any{"override": true}).(ceremony.CeremonyStatus)
	require.EqualValues(t, 1, status.CurrentRound)

	audit := h.run(t, "audit", map[string]any{"round": 0.0, "chunk": 0.0}).(*ceremony.AuditResult)
	require.True(t, audit.Valid, audit.Reason)
	_, err = h.runner.RunCommand(h.ctx, "audit", map[string]any{"round": 0.0, "chunk": 1.0})
	require.ErrorIs(t, err, ceremony.ErrNotFound)

	_, err = h.runner.RunCommand(h.ctx, "transcript", nil)
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotClosed)

	_, err = h.runner.RunCommand(h.ctx, "close-ceremony", map[string]any{})
	require.True(t, admin.IsInvalidAdminParameterError(err))
	status = h.run(t, "close-ceremony", map[string]any{"reason": "abort drill"}).(ceremony.CeremonyStatus)
	require.Equal(t, ceremony.StatusClosed, status.Status)
	require.True(t, status.Aborted)

	transcript := h.run(t, "transcript", nil).(*ceremony.Transcript)
	require.True(t, transcript.Aborted)
	require.Len(t, transcript.Heads, 2)
	require.NotEmpty(t, transcript.Root)
}

func TestBanUnban(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 1)
	a, err := h.c.RequestChunk(h.ctx, "p1")
	require.NoError(t, err)

	_, err = h.runner.RunCommand(h.ctx, "ban", map[string]any{"participant": ""})
	require.True(t, admin.IsInvalidAdminParameterError(err))
	_, err = h.runner.RunCommand(h.ctx, "ban", map[string]any{"participant": "nobody"})
	require.ErrorIs(t, err, ceremony.ErrUnknownParticipant)

	h.run(t, "ban", map[string]any{"participant": "p1"})
	require.Empty(t, h.c.Snapshot().Locks)
	_, err = h.c.RequestChunk(h.ctx, "p1")
	require.ErrorIs(t, err, ceremony.ErrParticipantBanned)
	_, err = h.c.SubmitContribution(h.ctx, "p1", a.Lock, []byte("x"))
	require.Error(t, err)

	h.run(t, "unban", map[string]any{"participant": "p1"})
	_, err = h.c.RequestChunk(h.ctx, "p1")
	require.NoError(t, err)
}

func TestDrop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, 1)
	a, err := h.c.RequestChunk(h.ctx, "p1")
	require.NoError(t, err)

	_, err = h.runner.RunCommand(h.ctx, "drop", map[string]any{"participant": 7})
	require.True(t, admin.IsInvalidAdminParameterError(err))
	_, err = h.runner.RunCommand(h.ctx, "drop", map[string]any{"participant": "nobody"})
	require.ErrorIs(t, err, ceremony.ErrUnknownParticipant)

	result := h.run(t, "drop", map[string]any{"participant": "p1"}).(map[string]any)
	require.Equal(t, a.Lock.Chunk, result["chunk"])
	require.Empty(t, h.c.Snapshot().Locks)
	_, err = h.c.SubmitContribution(h.ctx, "p1", a.Lock, []byte("late"))
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)

	_, err = h.runner.RunCommand(h.ctx, "drop", map[string]any{"participant": "p1"})
	require.ErrorIs(t, err, ceremony.ErrLockNotHeld)

	info, err := h.c.Participant("p1")
	require.NoError(t, err)
	require.False(t, info.Banned)
	b, err := h.c.RequestChunk(h.ctx, "p1")
	require.NoError(t, err)
	require.NotEqual(t, a.Lock.Chunk, b.Lock.Chunk)
}

func TestInspect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, 1)
	_, err := h.c.RequestChunk(h.ctx, "p1")
	require.NoError(t, err)

	status := h.run(t, "status", nil).(ceremony.CeremonyStatus)
	require.EqualValues(t, 3, status.Chunks)
	require.Equal(t, 1, status.Participants)

	snapshot := h.run(t, "snapshot", nil).(*ceremony.Snapshot)
	require.Len(t, snapshot.Locks, 1)
	require.Len(t, snapshot.Participants, 1)

	_, err = h.runner.RunCommand(h.ctx, "status", map[string]any{"verbose": true})
	require.True(t, admin.IsInvalidAdminParameterError(err))
	_, err = h.runner.RunCommand(h.ctx, "snapshot", []any{1})
	require.True(t, admin.IsInvalidAdminParameterError(err))
}
