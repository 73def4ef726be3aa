package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for grid operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument       ErrorCode = 1000
	ErrCodeSegmentAlreadyClaimed ErrorCode = 1001
	ErrCodeNotOwner              ErrorCode = 1002
	ErrCodeKeyLocked             ErrorCode = 1003
	ErrCodeUnknownSegment        ErrorCode = 1004

	// Cluster and server errors
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeUnavailable  ErrorCode = 2001
	ErrCodeNoTopology   ErrorCode = 2002
	ErrCodeNodeNotFound ErrorCode = 2003
	ErrCodeTimeout      ErrorCode = 2004
)

// GridError represents a structured error with code and context
type GridError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *GridError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts GridError to gRPC status
func (e *GridError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *GridError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeUnknownSegment:
		return codes.InvalidArgument
	case ErrCodeSegmentAlreadyClaimed:
		return codes.AlreadyExists
	case ErrCodeNotOwner:
		return codes.FailedPrecondition
	case ErrCodeKeyLocked:
		return codes.Aborted
	case ErrCodeNoTopology, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeNodeNotFound:
		return codes.NotFound
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// NewGridError creates a new GridError
func NewGridError(code ErrorCode, message string, cause error) *GridError {
	return &GridError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *GridError) WithDetail(key string, value interface{}) *GridError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *GridError {
	return NewGridError(ErrCodeInvalidArgument, message, cause)
}

func SegmentAlreadyClaimed(segment int, owner string) *GridError {
	return NewGridError(ErrCodeSegmentAlreadyClaimed,
		fmt.Sprintf("segment %d is already claimed by inbound transfer from %s", segment, owner), nil).
		WithDetail("segment", segment).
		WithDetail("source", owner)
}

func NotOwner(key, node string) *GridError {
	return NewGridError(ErrCodeNotOwner, fmt.Sprintf("node %s does not own key %s", node, key), nil).
		WithDetail("key", key).
		WithDetail("node", node)
}

func KeyLocked(key, owner string) *GridError {
	return NewGridError(ErrCodeKeyLocked, fmt.Sprintf("key %s is locked by transaction %s", key, owner), nil).
		WithDetail("key", key).
		WithDetail("lock_owner", owner)
}

func NoTopology(cacheName string) *GridError {
	return NewGridError(ErrCodeNoTopology, fmt.Sprintf("no topology installed for cache %s", cacheName), nil).
		WithDetail("cache", cacheName)
}

func NodeNotFound(node string) *GridError {
	return NewGridError(ErrCodeNodeNotFound, fmt.Sprintf("node %s is not a cluster member", node), nil).
		WithDetail("node", node)
}

func Timeout(message string, cause error) *GridError {
	return NewGridError(ErrCodeTimeout, message, cause)
}

func Unavailable(message string, cause error) *GridError {
	return NewGridError(ErrCodeUnavailable, message, cause)
}

func InternalError(message string, cause error) *GridError {
	return NewGridError(ErrCodeInternal, message, cause)
}

// IsGridError checks if an error is a GridError
func IsGridError(err error) bool {
	var ge *GridError
	return stderrors.As(err, &ge)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ge *GridError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeInternal
}

// ToStatusError converts any error into a gRPC status error
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var ge *GridError
	if stderrors.As(err, &ge) {
		return ge.ToGRPCStatus().Err()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if stderrors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPCStatus converts a gRPC status back into a GridError
func FromGRPCStatus(st *status.Status) *GridError {
	var code ErrorCode
	switch st.Code() {
	case codes.OK:
		code = ErrCodeOK
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.AlreadyExists:
		code = ErrCodeSegmentAlreadyClaimed
	case codes.FailedPrecondition:
		code = ErrCodeNotOwner
	case codes.Aborted:
		code = ErrCodeKeyLocked
	case codes.Unavailable:
		code = ErrCodeUnavailable
	case codes.NotFound:
		code = ErrCodeNodeNotFound
	case codes.DeadlineExceeded:
		code = ErrCodeTimeout
	default:
		code = ErrCodeInternal
	}
	return NewGridError(code, st.Message(), nil)
}
