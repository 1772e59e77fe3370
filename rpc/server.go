// Package rpc exposes the ceremony over gRPC and a REST gateway.
//
// Messages are JSON encoded on the wire; see CodecName.
package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anoma/trusted-setup-ceremony/admin"
	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/logging"
)

// participantServer serves the participant facing API on top of the coordinator.
type participantServer struct {
	c *ceremony.Coordinator
}

// NewParticipantServer returns the participant facing service.
func NewParticipantServer(c *ceremony.Coordinator) ParticipantServer {
	return &participantServer{c: c}
}

func requireParticipant(p ceremony.ParticipantID) error {
	if p == "" {
		return status.Error(codes.InvalidArgument, "participant is required")
	}
	return nil
}

func (s *participantServer) Join(ctx context.Context, in *JoinRequest) (*JoinResponse, error) {
	if err := requireParticipant(in.Participant); err != nil {
		return nil, err
	}
	if err := s.c.Join(ctx, in.Participant, in.Role); err != nil {
		return nil, toStatus(ctx, err)
	}
	info, err := s.c.Participant(in.Participant)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &JoinResponse{Participant: info}, nil
}

func (s *participantServer) RequestChunk(ctx context.Context, in *RequestChunkRequest) (*RequestChunkResponse, error) {
	if err := requireParticipant(in.Participant); err != nil {
		return nil, err
	}
	assignment, err := s.c.RequestChunk(ctx, in.Participant)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &RequestChunkResponse{Assignment: assignment}, nil
}

func (s *participantServer) SubmitContribution(
	ctx context.Context,
	in *SubmitContributionRequest,
) (*SubmitContributionResponse, error) {
	if err := requireParticipant(in.Participant); err != nil {
		return nil, err
	}
	if in.Lock.Participant == "" {
		in.Lock.Participant = in.Participant
	}
	if in.Lock.Participant != in.Participant {
		return nil, status.Error(codes.PermissionDenied, "lock belongs to another participant")
	}
	record, err := s.c.SubmitContribution(ctx, in.Participant, in.Lock, in.Payload)
	switch {
	case err == nil:
		return &SubmitContributionResponse{Record: record}, nil
	case errors.Is(err, ceremony.ErrContributionRejected) && record != nil:
		logging.FromContext(ctx).Info("contribution rejected", zap.Object("record", record))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		return nil, toStatus(ctx, err)
	}
}

func (s *participantServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{Status: s.c.Status()}, nil
}

func (s *participantServer) Transcript(ctx context.Context, _ *TranscriptRequest) (*TranscriptResponse, error) {
	transcript, err := s.c.Transcript()
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &TranscriptResponse{Transcript: transcript}, nil
}

// Audit re-verifies an accepted contribution. Only verifiers may audit.
func (s *participantServer) Audit(ctx context.Context, in *AuditRequest) (*AuditResponse, error) {
	if err := requireParticipant(in.Participant); err != nil {
		return nil, err
	}
	if err := s.c.Authorize(in.Participant, ceremony.RoleVerifier); err != nil {
		return nil, toStatus(ctx, err)
	}
	result, err := s.c.Audit(ctx, in.Round, in.Chunk)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &AuditResponse{Result: result}, nil
}

// adminServer runs operator commands. It is served on a separate listener.
type adminServer struct {
	runner *admin.CommandRunner
}

// NewAdminServer returns the operator service backed by runner.
func NewAdminServer(runner *admin.CommandRunner) AdminServer {
	return &adminServer{runner: runner}
}

func (s *adminServer) RunCommand(ctx context.Context, in *RunCommandRequest) (*RunCommandResponse, error) {
	if in.Command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	var data any
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decoding command data: %v", err)
		}
	}
	result, err := s.runner.RunCommand(ctx, in.Command, data)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	return &RunCommandResponse{Result: encoded}, nil
}

func (s *adminServer) ListCommands(context.Context, *ListCommandsRequest) (*ListCommandsResponse, error) {
	return &ListCommandsResponse{Commands: s.runner.Commands()}, nil
}
