package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// toStatus maps the service error taxonomy onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		ve *errs.ValidationError
		ie *errs.IntegrityError
	)
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errs.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errs.IsConflict(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &ie):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, workflow.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
