// Package transport provides remote invocation between grid members.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"golang.org/x/sync/errgroup"
)

// maxParallelTargets bounds the fan-out of a single Invoke
const maxParallelTargets = 32

// ResponseKind classifies the outcome of a remote call on one target
type ResponseKind int

const (
	ResponseSuccessful ResponseKind = iota
	ResponseException
	ResponseNodeNotFound
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseSuccessful:
		return "successful"
	case ResponseException:
		return "exception"
	case ResponseNodeNotFound:
		return "node_not_found"
	default:
		return "unknown"
	}
}

// Response is the outcome of a remote call on one target
type Response struct {
	Kind  ResponseKind
	Value json.RawMessage
	Err   error
}

// IsSuccessful reports whether the target executed the request without error
func (r Response) IsSuccessful() bool {
	return r.Kind == ResponseSuccessful
}

// Decode unmarshals the response value into v
func (r Response) Decode(v any) error {
	if !r.IsSuccessful() {
		return fmt.Errorf("cannot decode %s response: %w", r.Kind, r.Error())
	}
	if len(r.Value) == 0 || string(r.Value) == "null" {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// Error returns the failure carried by a non-successful response
func (r Response) Error() error {
	switch {
	case r.Err != nil:
		return r.Err
	case r.Kind == ResponseNodeNotFound:
		return grerrors.NodeNotFound("")
	default:
		return nil
	}
}

// Request is the envelope sent to a member
type Request struct {
	Cache  string          `json:"cache"`
	Kind   string          `json:"kind"`
	Origin model.Address   `json:"origin"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Reply is the envelope returned by a member
type Reply struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError carries a handler failure across the wire
type WireError struct {
	Code    grerrors.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

// RPCManager invokes requests on other members and serves requests addressed to this member
type RPCManager interface {
	// Address returns this member's address
	Address() model.Address
	// Dispatcher returns the registry serving requests addressed to this member
	Dispatcher() *Dispatcher
	// Invoke sends kind with body to every target and waits for all of them, or the timeout.
	// The error is non-nil only when the request cannot be built.
	Invoke(ctx context.Context, targets []model.Address, cache, kind string, body any, timeout time.Duration) (map[model.Address]Response, error)
}

// InvokeOne invokes a single target and returns its response
func InvokeOne(ctx context.Context, rpc RPCManager, target model.Address, cache, kind string, body any, timeout time.Duration) (Response, error) {
	responses, err := rpc.Invoke(ctx, []model.Address{target}, cache, kind, body, timeout)
	if err != nil {
		return Response{}, err
	}
	return responses[target], nil
}

// send delivers req to one target
type send func(ctx context.Context, target model.Address, req *Request) Response

// fanOut runs send for every target in parallel and collects the responses
func fanOut(ctx context.Context, self model.Address, targets []model.Address, cache, kind string, body any, timeout time.Duration, fn send) (map[model.Address]Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", kind, err)
	}
	req := &Request{Cache: cache, Kind: kind, Origin: self, Body: payload}

	results := make([]Response, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(maxParallelTargets)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			results[i] = fn(callCtx, target, req)
			return nil
		})
	}
	_ = g.Wait()

	responses := make(map[model.Address]Response, len(targets))
	for i, target := range targets {
		responses[target] = results[i]
	}
	return responses, nil
}

// replyToResponse converts a wire reply into a response
func replyToResponse(reply *Reply) Response {
	if reply.Error != nil {
		return responseFromError(grerrors.NewGridError(reply.Error.Code, reply.Error.Message, nil))
	}
	return Response{Kind: ResponseSuccessful, Value: reply.Value}
}

// responseFromError maps a failure onto a response kind
func responseFromError(err error) Response {
	if grerrors.GetCode(err) == grerrors.ErrCodeNodeNotFound {
		return Response{Kind: ResponseNodeNotFound, Err: err}
	}
	return Response{Kind: ResponseException, Err: err}
}

// errorToReply encodes a handler failure
func errorToReply(err error) *Reply {
	return &Reply{Error: &WireError{Code: grerrors.GetCode(err), Message: err.Error()}}
}
