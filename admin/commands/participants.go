package commands

import (
	"context"

	"github.com/anoma/trusted-setup-ceremony/admin"
	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

var _ AdminCommand = (*BanCommand)(nil)

// BanCommand bans or unbans a participant. Data: {"participant": string}.
type BanCommand struct {
	ceremony Ceremony
	ban      bool
}

func NewBanCommand(c Ceremony, ban bool) *BanCommand {
	return &BanCommand{ceremony: c, ban: ban}
}

func (b *BanCommand) Validator(req *admin.CommandRequest) error {
	return validateParticipant(req)
}

func validateParticipant(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	p, err := stringField(m, "participant", true)
	if err != nil {
		return err
	}
	req.ValidatorData = ceremony.ParticipantID(p)
	return nil
}

func (b *BanCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	p := req.ValidatorData.(ceremony.ParticipantID)
	var err error
	if b.ban {
		err = b.ceremony.Ban(ctx, p)
	} else {
		err = b.ceremony.Unban(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"participant": p, "banned": b.ban}, nil
}

var _ AdminCommand = (*DropCommand)(nil)

// DropCommand revokes the lock of a participant that stopped responding.
// The participant is not banned. Data: {"participant": string}.
type DropCommand struct {
	ceremony Ceremony
}

func NewDropCommand(c Ceremony) *DropCommand {
	return &DropCommand{ceremony: c}
}

func (d *DropCommand) Validator(req *admin.CommandRequest) error {
	return validateParticipant(req)
}

func (d *DropCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	p := req.ValidatorData.(ceremony.ParticipantID)
	h, err := d.ceremony.Drop(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"participant": p, "chunk": h.Chunk, "round": h.Round}, nil
}
