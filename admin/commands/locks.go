package commands

import (
	"context"

	"github.com/anoma/trusted-setup-ceremony/admin"
)

var (
	_ AdminCommand = (*ForceUnlockCommand)(nil)
	_ AdminCommand = (*ForceAdvanceCommand)(nil)
)

// ForceUnlockCommand revokes the lock on a chunk. Data: {"chunk": number}.
type ForceUnlockCommand struct {
	ceremony Ceremony
}

func NewForceUnlockCommand(c Ceremony) *ForceUnlockCommand {
	return &ForceUnlockCommand{ceremony: c}
}

func (f *ForceUnlockCommand) Validator(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	chunk, err := uint32Field(m, "chunk")
	if err != nil {
		return err
	}
	req.ValidatorData = chunk
	return nil
}

func (f *ForceUnlockCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	h, err := f.ceremony.ForceUnlock(ctx, req.ValidatorData.(uint32))
	if err != nil {
		return nil, err
	}
	return map[string]any{"released": h}, nil
}

// ForceAdvanceCommand closes the active round. Data: {"override": bool}.
// Without override the round must already be complete.
type ForceAdvanceCommand struct {
	ceremony Ceremony
}

func NewForceAdvanceCommand(c Ceremony) *ForceAdvanceCommand {
	return &ForceAdvanceCommand{ceremony: c}
}

func (f *ForceAdvanceCommand) Validator(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	override, err := boolField(m, "override")
	if err != nil {
		return err
	}
	req.ValidatorData = override
	return nil
}

func (f *ForceAdvanceCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	if err := f.ceremony.ForceAdvance(ctx, req.ValidatorData.(bool)); err != nil {
		return nil, err
	}
	return f.ceremony.Status(), nil
}
