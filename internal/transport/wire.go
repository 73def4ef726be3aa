package transport

import (
	"context"
	"strconv"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// A transport call routes on metadata headers and carries the handler payload in a BytesValue. Handler
// failures come back as a status whose ErrorInfo detail holds the grid error code.
const (
	headerCache  = "x-grid-cache"
	headerKind   = "x-grid-kind"
	headerOrigin = "x-grid-origin"

	errorDomain = "datagrid.transport"
	errorReason = "GRID_ERROR"
)

// requestToWire attaches the routing headers to ctx and wraps the body
func requestToWire(ctx context.Context, req *Request) (context.Context, *wrapperspb.BytesValue) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		headerCache, req.Cache,
		headerKind, req.Kind,
		headerOrigin, req.Origin.String())
	return ctx, wrapperspb.Bytes(req.Body)
}

// requestFromWire rebuilds the request from the incoming headers and body
func requestFromWire(ctx context.Context, body *wrapperspb.BytesValue) (*Request, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	req := &Request{
		Cache:  firstHeader(md, headerCache),
		Kind:   firstHeader(md, headerKind),
		Origin: model.Address(firstHeader(md, headerOrigin)),
		Body:   body.GetValue(),
	}
	if req.Cache == "" || req.Kind == "" {
		return nil, status.Error(codes.InvalidArgument, "transport request without cache or kind")
	}
	return req, nil
}

func firstHeader(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// replyToWire turns a dispatcher reply into the call result
func replyToWire(reply *Reply) (*wrapperspb.BytesValue, error) {
	if reply.Error == nil {
		return wrapperspb.Bytes(reply.Value), nil
	}

	code := reply.Error.Code
	if code == grerrors.ErrCodeOK {
		code = grerrors.ErrCodeInternal
	}
	st := grerrors.NewGridError(code, reply.Error.Message, nil).ToGRPCStatus()
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   errorReason,
		Domain:   errorDomain,
		Metadata: map[string]string{"code": strconv.Itoa(int(code))},
	})
	if err != nil {
		return nil, st.Err()
	}
	return nil, detailed.Err()
}

// replyFromStatus recovers a handler failure from a call error. It returns false for failures of the
// call itself.
func replyFromStatus(err error) (*Reply, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != errorDomain {
			continue
		}
		code, convErr := strconv.Atoi(info.Metadata["code"])
		if convErr != nil {
			code = int(grerrors.ErrCodeInternal)
		}
		return &Reply{Error: &WireError{Code: grerrors.ErrorCode(code), Message: st.Message()}}, true
	}
	return nil, false
}
