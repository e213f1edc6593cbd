package worker

import (
	"errors"

	"google.golang.org/grpc/codes"

	"github.com/opensandbox/pipagent/internal/cas"
	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/rpc"
	"github.com/opensandbox/pipagent/internal/sandbox"
	"github.com/opensandbox/pipagent/pkg/types"
)

var (
	// ErrChunkSequence is returned when upload chunks arrive out of order.
	ErrChunkSequence = errors.New("worker: chunk out of sequence")
	// ErrLengthMismatch is returned when an upload carries fewer or more
	// bytes than its declared length.
	ErrLengthMismatch = errors.New("worker: upload length mismatch")
	// ErrEmptyUpload is returned when a StoreFile stream ends before its
	// first message.
	ErrEmptyUpload = errors.New("worker: upload stream carried no messages")
)

// statusClasses maps the worker's failures onto gRPC codes. Order matters:
// the first match wins.
var statusClasses = []rpc.ErrorClass{
	{Target: pathtable.ErrUnknownPortableID, Code: codes.InvalidArgument},
	{Target: pathtable.ErrSequenceGap, Code: codes.InvalidArgument},
	{Target: pathtable.ErrDuplicateEntry, Code: codes.InvalidArgument},
	{Target: pathtable.ErrRelativePath, Code: codes.InvalidArgument},
	{Target: pathtable.ErrInvalidName, Code: codes.InvalidArgument},
	{Target: types.ErrInvalidHash, Code: codes.InvalidArgument},
	{Target: ErrChunkSequence, Code: codes.InvalidArgument},
	{Target: ErrEmptyUpload, Code: codes.InvalidArgument},
	{Target: cas.ErrNotFound, Code: codes.NotFound},
	{Target: cas.ErrHashMismatch, Code: codes.DataLoss},
	{Target: ErrLengthMismatch, Code: codes.DataLoss},
	{Target: sandbox.ErrUndeclaredSourceReads, Code: codes.FailedPrecondition},
	{Target: sandbox.ErrUnmappableOutput, Code: codes.FailedPrecondition},
	{Target: sandbox.ErrTimeout, Code: codes.DeadlineExceeded},
	{Target: sandbox.ErrIdentifierCollision, Code: codes.Internal},
}

func toStatus(err error) error {
	return rpc.ToStatus(err, statusClasses)
}
