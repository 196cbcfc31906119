package grpcbackend

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// Handler serves requests on the server side.
type Handler interface {
	Request(ctx context.Context, fn tonapi.Function) (json.RawMessage, error)
}

// liteserverAPI is the handler type checked by grpc.Server.RegisterService.
type liteserverAPI interface {
	serve(ctx context.Context, payload json.RawMessage) (*wireResponse, error)
}

type server struct {
	handler Handler
	token   string
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*liteserverAPI)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Request",
			Handler:    requestHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "multiclient/liteserver",
}

// RegisterServer exposes h on s. When token is non-empty callers must send
// it in the x-token metadata.
func RegisterServer(s *grpc.Server, h Handler, token string) {
	s.RegisterService(&serviceDesc, &server{handler: h, token: token})
}

func requestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in json.RawMessage
	if err := dec(&in); err != nil {
		return nil, err
	}
	api := srv.(liteserverAPI)
	if interceptor == nil {
		return api.serve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: MethodRequest,
	}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return api.serve(ctx, req.(json.RawMessage))
	})
}

func (s *server) serve(ctx context.Context, payload json.RawMessage) (*wireResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}

	fn, err := tonapi.Decode(payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.handler.Request(ctx, fn)
	if err != nil {
		var te *tonapi.Error
		if errors.As(err, &te) {
			return &wireResponse{Error: te}, nil
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &wireResponse{Result: result}, nil
}

func (s *server) authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(TokenHeader)
	if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), []byte(s.token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}
