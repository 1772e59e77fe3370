package commands

import (
	"context"

	"github.com/anoma/trusted-setup-ceremony/admin"
)

var (
	_ AdminCommand = (*StatusCommand)(nil)
	_ AdminCommand = (*SnapshotCommand)(nil)
	_ AdminCommand = (*AuditCommand)(nil)
	_ AdminCommand = (*TranscriptCommand)(nil)
)

func noData(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	if len(m) != 0 {
		return admin.NewInvalidAdminReqErrorf("command takes no data, got %d fields", len(m))
	}
	return nil
}

type StatusCommand struct {
	ceremony Ceremony
}

func NewStatusCommand(c Ceremony) *StatusCommand {
	return &StatusCommand{ceremony: c}
}

func (s *StatusCommand) Validator(req *admin.CommandRequest) error {
	return noData(req)
}

func (s *StatusCommand) Handler(context.Context, *admin.CommandRequest) (interface{}, error) {
	return s.ceremony.Status(), nil
}

// SnapshotCommand dumps the ceremony, round, lock and participant tables.
type SnapshotCommand struct {
	ceremony Ceremony
}

func NewSnapshotCommand(c Ceremony) *SnapshotCommand {
	return &SnapshotCommand{ceremony: c}
}

func (s *SnapshotCommand) Validator(req *admin.CommandRequest) error {
	return noData(req)
}

func (s *SnapshotCommand) Handler(context.Context, *admin.CommandRequest) (interface{}, error) {
	return s.ceremony.Snapshot(), nil
}

type auditRequest struct {
	round uint32
	chunk uint32
}

// AuditCommand re-verifies an accepted contribution from storage.
// Data: {"round": number, "chunk": number}.
type AuditCommand struct {
	ceremony Ceremony
}

func NewAuditCommand(c Ceremony) *AuditCommand {
	return &AuditCommand{ceremony: c}
}

func (a *AuditCommand) Validator(req *admin.CommandRequest) error {
	m, err := fields(req)
	if err != nil {
		return err
	}
	var r auditRequest
	if r.round, err = uint32Field(m, "round"); err != nil {
		return err
	}
	if r.chunk, err = uint32Field(m, "chunk"); err != nil {
		return err
	}
	req.ValidatorData = r
	return nil
}

func (a *AuditCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	r := req.ValidatorData.(auditRequest)
	return a.ceremony.Audit(ctx, r.round, r.chunk)
}

type TranscriptCommand struct {
	ceremony Ceremony
}

func NewTranscriptCommand(c Ceremony) *TranscriptCommand {
	return &TranscriptCommand{ceremony: c}
}

func (t *TranscriptCommand) Validator(req *admin.CommandRequest) error {
	return noData(req)
}

func (t *TranscriptCommand) Handler(context.Context, *admin.CommandRequest) (interface{}, error) {
	return t.ceremony.Transcript()
}
