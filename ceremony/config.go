package ceremony

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		Chunks:        4,
		Rounds:        2,
		LockTTL:       20 * time.Minute,
		SweepInterval: 10 * time.Second,
		ForfeitScope:  ForfeitRound,
	}
}

//nolint:lll
type Config struct {
	ID                 string        `long:"id"                  description:"Ceremony identifier (random when empty)"`
	Chunks             uint32        `long:"chunks"              description:"Number of independently contributable chunks"`
	Rounds             uint32        `long:"rounds"              description:"Number of rounds before the ceremony closes"`
	LockTTL            time.Duration `long:"lock-ttl"            description:"How long a participant may hold a chunk lock"`
	SweepInterval      time.Duration `long:"sweep-interval"      description:"Interval between expired lock sweeps"`
	ForfeitScope       ForfeitScope  `long:"forfeit-scope"       description:"How long a rejected contribution bars the participant from the chunk" choice:"round" choice:"ceremony"`
	ClosedRegistration bool          `long:"closed-registration" description:"Only explicitly joined participants may request chunks"`
}

func (c Config) Validate() error {
	var errs []error
	if c.Chunks == 0 {
		errs = append(errs, errors.New("chunks must be positive"))
	}
	if c.Rounds == 0 {
		errs = append(errs, errors.New("rounds must be positive"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock ttl must be positive, got %s", c.LockTTL))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if err := c.ForfeitScope.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", c.ID)
	enc.AddUint32("chunks", c.Chunks)
	enc.AddUint32("rounds", c.Rounds)
	enc.AddDuration("lock_ttl", c.LockTTL)
	enc.AddDuration("sweep_interval", c.SweepInterval)
	enc.AddString("forfeit_scope", string(c.ForfeitScope))
	enc.AddBool("closed_registration", c.ClosedRegistration)
	return nil
}
