package transport

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const invokeMethod = "/datagrid.transport.Transport/Invoke"

// transportServer is the server side of the transport service
type transportServer interface {
	Invoke(ctx context.Context, body *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "datagrid.transport.Transport",
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "datagrid/transport",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transportServer).Invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// dispatchServer serves the transport service from a dispatcher
type dispatchServer struct {
	dispatcher *Dispatcher
}

func (s *dispatchServer) Invoke(ctx context.Context, body *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := requestFromWire(ctx, body)
	if err != nil {
		return nil, err
	}
	return replyToWire(s.dispatcher.Dispatch(ctx, req))
}

// GRPCTransport serves and sends transport requests over gRPC. Member addresses are used as dial targets.
type GRPCTransport struct {
	self       model.Address
	dispatcher *Dispatcher
	server     *grpc.Server
	logger     *zap.Logger

	mu    sync.Mutex
	conns map[model.Address]*grpc.ClientConn
}

// NewGRPCTransport creates a gRPC transport for the member at self
func NewGRPCTransport(self model.Address, logger *zap.Logger) *GRPCTransport {
	t := &GRPCTransport{
		self:       self,
		dispatcher: NewDispatcher(),
		logger:     logger,
		conns:      make(map[model.Address]*grpc.ClientConn),
	}
	t.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(t.recoveryInterceptor, t.loggingInterceptor),
	)
	t.server.RegisterService(&transportServiceDesc, &dispatchServer{dispatcher: t.dispatcher})
	return t
}

// Address returns this member's address
func (t *GRPCTransport) Address() model.Address {
	return t.self
}

// Dispatcher returns this member's dispatcher
func (t *GRPCTransport) Dispatcher() *Dispatcher {
	return t.dispatcher
}

// Serve accepts connections on lis until Stop is called
func (t *GRPCTransport) Serve(lis net.Listener) error {
	t.logger.Info("gRPC transport listening", zap.String("address", lis.Addr().String()))
	return t.server.Serve(lis)
}

// Invoke sends the request to every target over gRPC
func (t *GRPCTransport) Invoke(ctx context.Context, targets []model.Address, cache, kind string, body any, timeout time.Duration) (map[model.Address]Response, error) {
	return fanOut(ctx, t.self, targets, cache, kind, body, timeout, t.send)
}

func (t *GRPCTransport) send(ctx context.Context, target model.Address, req *Request) Response {
	conn, err := t.getConn(target)
	if err != nil {
		return Response{Kind: ResponseNodeNotFound, Err: err}
	}

	callCtx, body := requestToWire(ctx, req)
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(callCtx, invokeMethod, body, out); err != nil {
		if reply, ok := replyFromStatus(err); ok {
			return replyToResponse(reply)
		}
		return t.responseFromCallError(target, err)
	}
	return replyToResponse(&Reply{Value: out.GetValue()})
}

func (t *GRPCTransport) responseFromCallError(target model.Address, err error) Response {
	st, ok := status.FromError(err)
	if !ok {
		return Response{Kind: ResponseException, Err: grerrors.InternalError("call to "+target.String()+" failed", err)}
	}
	switch st.Code() {
	case codes.Unavailable:
		return Response{Kind: ResponseNodeNotFound, Err: grerrors.NodeNotFound(target.String())}
	case codes.DeadlineExceeded, codes.Canceled:
		return Response{Kind: ResponseException, Err: grerrors.Timeout("call to "+target.String()+" timed out", err)}
	default:
		return Response{Kind: ResponseException, Err: grerrors.FromGRPCStatus(st)}
	}
}

func (t *GRPCTransport) getConn(target model.Address) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(
		target.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	t.conns[target] = conn

	t.logger.Debug("Created gRPC client for member", zap.String("target", target.String()))
	return conn, nil
}

// Stop stops the server and closes all client connections
func (t *GRPCTransport) Stop() {
	t.server.GracefulStop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for target, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.logger.Warn("Failed to close connection",
				zap.String("target", target.String()),
				zap.Error(err))
		}
	}
	t.conns = make(map[model.Address]*grpc.ClientConn)
}

func (t *GRPCTransport) recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Panic serving transport request",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = grerrors.ToStatusError(grerrors.InternalError(fmt.Sprintf("panic: %v", r), nil))
		}
	}()
	return handler(ctx, req)
}

func (t *GRPCTransport) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	md, _ := metadata.FromIncomingContext(ctx)
	t.logger.Debug("Served transport request",
		zap.String("method", info.FullMethod),
		zap.String("cache", firstHeader(md, headerCache)),
		zap.String("kind", firstHeader(md, headerKind)),
		zap.String("origin", firstHeader(md, headerOrigin)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return resp, grerrors.ToStatusError(err)
}

var _ RPCManager = (*GRPCTransport)(nil)
