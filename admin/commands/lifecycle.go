package commands

import (
	"context"

	"github.com/anoma/trusted-setup-ceremony/admin"
)

var (
	_ AdminCommand = (*PauseCommand)(nil)
	_ AdminCommand = (*ResumeCommand)(nil)
	_ AdminCommand = (*CloseCeremonyCommand)(nil)
)

// PauseCommand stops new chunk assignments. Data: {"reason": string}.
type PauseCommand struct {
	ceremony Ceremony
}

func NewPauseCommand(c Ceremony) *PauseCommand {
	return &PauseCommand{ceremony: c}
}

func (p *PauseCommand) Validator(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	reason, err := stringField(m, "reason", false)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "paused by operator"
	}
	req.ValidatorData = reason
	return nil
}

func (p *PauseCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	if err := p.ceremony.Pause(ctx, req.ValidatorData.(string)); err != nil {
		return nil, err
	}
	return p.ceremony.Status(), nil
}

type ResumeCommand struct {
	ceremony Ceremony
}

func NewResumeCommand(c Ceremony) *ResumeCommand {
	return &ResumeCommand{ceremony: c}
}

func (r *ResumeCommand) Validator(req *admin.CommandRequest) error {
	_, err := fields(req)
	return err
}

func (r *ResumeCommand) Handler(ctx context.Context, _ *admin.CommandRequest) (interface{}, error) {
	if err := r.ceremony.Resume(ctx); err != nil {
		return nil, err
	}
	return r.ceremony.Status(), nil
}

// CloseCeremonyCommand aborts the ceremony. Data: {"reason": string}, required.
type CloseCeremonyCommand struct {
	ceremony Ceremony
}

func NewCloseCeremonyCommand(c Ceremony) *CloseCeremonyCommand {
	return &CloseCeremonyCommand{ceremony: c}
}

func (c *CloseCeremonyCommand) Validator(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	reason, err := stringField(m, "reason", true)
	if err != nil {
		return err
	}
	req.ValidatorData = reason
	return nil
}

func (c *CloseCeremonyCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	if err := c.ceremony.CloseCeremony(ctx, req.ValidatorData.(string)); err != nil {
		return nil, err
	}
	return c.ceremony.Status(), nil
}
