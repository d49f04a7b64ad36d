package api

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/stream"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a component error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case fetch.IsNotFound(err), errors.Is(err, outbox.ErrUnknownAction):
		return codes.NotFound
	case fetch.IsNetwork(err), errors.Is(err, stream.ErrNotConnected):
		return codes.Unavailable
	case errors.Is(err, outbox.ErrNotCached),
		errors.Is(err, outbox.ErrUnconfirmed),
		errors.Is(err, outbox.ErrDeleted),
		errors.Is(err, outbox.ErrSuperseded),
		errors.Is(err, outbox.ErrInvalidTransition):
		return codes.FailedPrecondition
	}
	return codes.Internal
}
