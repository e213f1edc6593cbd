package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds a caller can test a remote failure against with errors.Is.
var (
	ErrProtocol  = errors.New("protocol error")
	ErrContent   = errors.New("content error")
	ErrPolicy    = errors.New("sandbox policy error")
	ErrExecution = errors.New("execution error")
	ErrInternal  = errors.New("internal error")
)

// ErrorClass maps every error matching Target to a gRPC status code.
type ErrorClass struct {
	Target error
	Code   codes.Code
}

// ToStatus converts err into a gRPC status error. The first class whose
// Target matches wins; context errors and ErrMissingHeader are always
// recognized. Anything unmatched is Internal.
func ToStatus(err error, classes []ErrorClass) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, ErrMissingHeader):
		code = codes.InvalidArgument
	default:
		for _, c := range classes {
			if errors.Is(err, c.Target) {
				code = c.Code
				break
			}
		}
	}
	return status.Error(code, err.Error())
}

// RemoteError is a failure reported by a worker.
type RemoteError struct {
	Code    codes.Code
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Unwrap exposes the error kind and, for cancellation and deadlines, the
// matching context error.
func (e *RemoteError) Unwrap() []error {
	switch e.Code {
	case codes.Canceled:
		return []error{e.kind, context.Canceled}
	case codes.DeadlineExceeded:
		return []error{e.kind, context.DeadlineExceeded}
	}
	return []error{e.kind}
}

// FromStatus turns a gRPC status error back into a RemoteError carrying
// one of the error kinds. Errors that are not status errors are returned
// unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &RemoteError{Code: st.Code(), Message: st.Message(), kind: kindFor(st.Code())}
}

func kindFor(code codes.Code) error {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange, codes.Unauthenticated, codes.PermissionDenied:
		return ErrProtocol
	case codes.NotFound, codes.DataLoss, codes.AlreadyExists:
		return ErrContent
	case codes.FailedPrecondition, codes.Unimplemented:
		return ErrPolicy
	case codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		return ErrExecution
	}
	return ErrInternal
}
