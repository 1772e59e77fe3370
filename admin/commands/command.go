// Package commands implements the operator commands of the ceremony coordinator.
package commands

import (
	"context"

	"github.com/anoma/trusted-setup-ceremony/admin"
	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

// AdminCommand defines the interface expected for admin command handlers.
type AdminCommand interface {
	// Validator is responsible for validating that the input forms a valid request.
	// By convention, Validator may set the ValidatorData field on the request, and
	// this will persist when the request is passed to Handler.
	// All errors indicate an invalid request.
	Validator(request *admin.CommandRequest) error
	// Handler is responsible for handling the request. It applies any state
	// changes associated with the request and returns any values which should
	// be displayed to the initiator of the request.
	Handler(ctx context.Context, request *admin.CommandRequest) (interface{}, error)
}

// Ceremony is the part of the coordinator the commands drive.
type Ceremony interface {
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	ForceUnlock(ctx context.Context, chunk uint32) (ceremony.LockHandle, error)
	ForceAdvance(ctx context.Context, override bool) error
	CloseCeremony(ctx context.Context, reason string) error
	Ban(ctx context.Context, p ceremony.ParticipantID) error
	Unban(ctx context.Context, p ceremony.ParticipantID) error
	Drop(ctx context.Context, p ceremony.ParticipantID) (ceremony.LockHandle, error)
	Status() ceremony.CeremonyStatus
	Snapshot() *ceremony.Snapshot
	Audit(ctx context.Context, round, chunk uint32) (*ceremony.AuditResult, error)
	Transcript() (*ceremony.Transcript, error)
}

var _ Ceremony = (*ceremony.Coordinator)(nil)

// Register adds every ceremony command to runner.
func Register(runner *admin.CommandRunner, c Ceremony) {
	for name, cmd := range map[string]AdminCommand{
		"pause":          NewPauseCommand(c),
		"resume":         NewResumeCommand(c),
		"force-unlock":   NewForceUnlockCommand(c),
		"force-advance":  NewForceAdvanceCommand(c),
		"close-ceremony": NewCloseCeremonyCommand(c),
		"ban":            NewBanCommand(c, true),
		"unban":          NewBanCommand(c, false),
		"drop":           NewDropCommand(c),
		"status":         NewStatusCommand(c),
		"snapshot":       NewSnapshotCommand(c),
		"audit":          NewAuditCommand(c),
		"transcript":     NewTranscriptCommand(c),
	} {
		runner.RegisterCommand(name, cmd.Validator, cmd.Handler)
	}
}
