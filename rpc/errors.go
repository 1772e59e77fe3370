package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anoma/trusted-setup-ceremony/admin"
	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/logging"
)

// toStatus maps ceremony errors onto gRPC status codes.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, admin.ErrUnknownCommand):
		return status.Error(codes.NotFound, err.Error())
	case admin.IsInvalidAdminParameterError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	}

	switch ceremony.KindOf(err) {
	case ceremony.KindContention:
		return status.Error(codes.Aborted, err.Error())
	case ceremony.KindPolicy:
		return status.Error(policyCode(err), err.Error())
	case ceremony.KindVerification:
		return status.Error(codes.InvalidArgument, err.Error())
	case ceremony.KindConsistency:
		logging.FromContext(ctx).Error("consistency fault", zap.Error(err))
		return status.Error(codes.Internal, "internal coordinator fault, the operator has been notified")
	case ceremony.KindInfrastructure:
		return status.Error(codes.Unavailable, err.Error())
	default:
		logging.FromContext(ctx).Warn("unclassified error", zap.Error(err))
		return status.Error(codes.Unknown, err.Error())
	}
}

func policyCode(err error) codes.Code {
	switch {
	case errors.Is(err, ceremony.ErrUnknownParticipant), errors.Is(err, ceremony.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ceremony.ErrParticipantBanned), errors.Is(err, ceremony.ErrUnauthorizedRole):
		return codes.PermissionDenied
	case errors.Is(err, ceremony.ErrInvalidChunk),
		errors.Is(err, ceremony.ErrInvalidRound),
		errors.Is(err, ceremony.ErrInvalidContribution):
		return codes.InvalidArgument
	case errors.Is(err, ceremony.ErrNoWorkAvailable):
		return codes.ResourceExhausted
	default:
		return codes.FailedPrecondition
	}
}
