package rpc

import (
	"context"
	"errors"

	"github.com/jmerrifield20/deesec/internal/ledger"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain of every ledger error.
const ErrorDomain = "deesec.ledger"

// ErrorInfo reasons.
const (
	ReasonInvalidInput    = "INVALID_INPUT"
	ReasonNotFound        = "NOT_FOUND"
	ReasonUnauthorized    = "UNAUTHORIZED"
	ReasonUnauthenticated = "UNAUTHENTICATED"
)

var reasons = []struct {
	err    error
	code   codes.Code
	reason string
}{
	{ledger.ErrInvalidInput, codes.InvalidArgument, ReasonInvalidInput},
	{ledger.ErrNotFound, codes.NotFound, ReasonNotFound},
	{ledger.ErrUnauthorized, codes.PermissionDenied, ReasonUnauthorized},
	{ledger.ErrUnauthenticated, codes.Unauthenticated, ReasonUnauthenticated},
}

// toStatus converts a core error into a gRPC status error carrying a
// google.rpc.ErrorInfo detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			st := status.New(r.code, err.Error())
			if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: r.reason, Domain: ErrorDomain}); derr == nil {
				st = withInfo
			}
			return st.Err()
		}
	}
	return status.Error(codes.Internal, "internal error")
}

// fromStatus converts a status error returned by the server back into an
// error matching the ledger sentinel it was built from.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		for _, r := range reasons {
			if r.reason == info.GetReason() {
				return &remoteError{sentinel: r.err, st: st}
			}
		}
	}
	return err
}

// remoteError matches a ledger sentinel with errors.Is while keeping the
// original status for status.FromError.
type remoteError struct {
	sentinel error
	st       *status.Status
}

func (e *remoteError) Error() string              { return e.st.Message() }
func (e *remoteError) Unwrap() error              { return e.sentinel }
func (e *remoteError) GRPCStatus() *status.Status { return e.st }
