package api

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// toConnectError maps domain error classes to connect codes.
func toConnectError(err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}
	switch {
	case errors.Is(err, auction.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, auction.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, auction.ErrCapExceeded):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, auction.ErrStateConflict):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, auction.ErrExternalService):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func invalidArgument(msg string) error {
	return connect.NewError(connect.CodeInvalidArgument, errors.New(msg))
}
