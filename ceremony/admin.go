package ceremony

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anoma/trusted-setup-ceremony/logging"
)

// Administrative operations. They go through the same transitions and lock
// releases as participant operations.

// Pause stops new lock acquisitions. In-flight contributions may still complete or expire.
func (c *Coordinator) Pause(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.status != StatusActive {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot pause a %s ceremony", ErrInvalidTransition, status)
	}
	c.status = StatusPaused
	c.pausedReason = reason
	c.mu.Unlock()

	logging.FromContext(ctx).Info("ceremony paused", zap.String("reason", reason))
	reportStatus(StatusPaused)
	return c.persist(ctx)
}

func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusPaused {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume a %s ceremony", ErrInvalidTransition, status)
	}
	c.status = StatusActive
	c.pausedReason = ""
	c.mu.Unlock()

	logging.FromContext(ctx).Info("ceremony resumed")
	reportStatus(StatusActive)
	return c.persist(ctx)
}

// ForceUnlock revokes the lock on chunk so it can be reassigned.
// The holder keeps its attempt on record.
func (c *Coordinator) ForceUnlock(ctx context.Context, chunk uint32) (LockHandle, error) {
	if chunk >= c.cfg.Chunks {
		return LockHandle{}, fmt.Errorf("%w: %d", ErrInvalidChunk, chunk)
	}
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	if status == StatusClosed {
		return LockHandle{}, fmt.Errorf("%w: ceremony is closed", ErrCeremonyNotActive)
	}
	h, err := c.locks.ForceRelease(chunk, 0)
	if err != nil {
		return LockHandle{}, err
	}
	logging.FromContext(ctx).Warn("lock force-released", zap.Object("lock", h))
	return h, c.persist(ctx)
}

// ForceAdvance closes the active round. Without override the round must be complete.
// With override every pending chunk is revoked and carried into the next round
// with its current predecessor.
func (c *Coordinator) ForceAdvance(ctx context.Context, override bool) error {
	logger := logging.FromContext(ctx)
	now := c.clock.Now()

	c.mu.Lock()
	if c.status != StatusActive && c.status != StatusPaused {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: ceremony is %s", ErrCeremonyNotActive, status)
	}
	active := c.activeRound()
	if active == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: no active round", ErrRoundStateCorrupted)
	}
	var revoked []LockHandle
	var carried []uint32
	if !active.complete() {
		if !override {
			pending := active.pending
			c.mu.Unlock()
			return fmt.Errorf("%w: round %d has %d pending chunks", ErrRoundIncomplete, active.index, pending)
		}
		for _, chunk := range active.pendingChunks() {
			if h, ok := c.locks.Revoke(chunk, active.index); ok {
				revoked = append(revoked, h)
			}
		}
		carried = active.carry(now)
	}
	closed := c.advanceLocked(now)
	c.mu.Unlock()

	logger.Warn("round forced forward",
		zap.Uint32("round", active.index),
		zap.Uint32s("carried", carried),
		zap.Int("revoked_locks", len(revoked)),
		zap.Bool("closed", closed),
	)
	c.updateGauges()
	return c.persist(ctx)
}

// CloseCeremony terminates the ceremony regardless of round completion.
func (c *Coordinator) CloseCeremony(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return fmt.Errorf("%w: ceremony is already closed", ErrCeremonyNotActive)
	}
	active := c.activeRound()
	var revoked int
	if active != nil {
		for chunk := uint32(0); chunk < c.cfg.Chunks; chunk++ {
			if _, ok := c.locks.Revoke(chunk, active.index); ok {
				revoked++
			}
		}
		c.aborted = true
	}
	c.status = StatusClosed
	c.pausedReason = ""
	c.mu.Unlock()

	logging.FromContext(ctx).Warn("ceremony closed by operator",
		zap.String("reason", reason),
		zap.Int("revoked_locks", revoked),
	)
	c.updateGauges()
	return c.persist(ctx)
}

// Ban bars p from requesting chunks and submitting contributions.
// A held lock is revoked; a contribution already being verified completes.
func (c *Coordinator) Ban(ctx context.Context, p ParticipantID) error {
	if err := c.registry.SetBanned(p, true); err != nil {
		return err
	}
	logger := logging.FromContext(ctx).With(zap.String("participant", string(p)))
	if h, ok := c.locks.Held(p); ok {
		if _, err := c.locks.ForceRelease(h.Chunk, h.Token); err != nil {
			logger.Warn("banned participant keeps its lock", zap.Object("lock", h), zap.Error(err))
		} else {
			logger.Info("revoked lock of banned participant", zap.Object("lock", h))
		}
	}
	logger.Warn("participant banned")
	return c.persist(ctx)
}

func (c *Coordinator) Unban(ctx context.Context, p ParticipantID) error {
	if err := c.registry.SetBanned(p, false); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("participant unbanned", zap.String("participant", string(p)))
	return c.persist(ctx)
}

// Drop revokes the lock held by p without banning it. p may request work again,
// but never the chunk it was dropped from in the same round.
func (c *Coordinator) Drop(ctx context.Context, p ParticipantID) (LockHandle, error) {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	if status == StatusClosed {
		return LockHandle{}, fmt.Errorf("%w: ceremony is closed", ErrCeremonyNotActive)
	}
	if _, ok := c.registry.Lookup(p); !ok {
		return LockHandle{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, p)
	}
	held, ok := c.locks.Held(p)
	if !ok {
		return LockHandle{}, fmt.Errorf("%w: %s holds no lock", ErrLockNotHeld, p)
	}
	h, err := c.locks.ForceRelease(held.Chunk, held.Token)
	if err != nil {
		return LockHandle{}, err
	}
	logging.FromContext(ctx).Warn("participant dropped",
		zap.String("participant", string(p)),
		zap.Object("lock", h),
	)
	return h, c.persist(ctx)
}
