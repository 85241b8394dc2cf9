package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 메시지 본문은 cbor 프레임을 wrapperspb.BytesValue에 담아 전송한다.
const (
	serviceName = "dbft.v1.Node"

	methodRelayPayload     = "RelayPayload"
	methodRelayTransaction = "RelayTransaction"
	methodGetTransactions  = "GetTransactions"
)

// NodeServer is the peer-facing RPC surface of a node.
type NodeServer interface {
	RelayPayload(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	RelayTransaction(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	GetTransactions(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

type bytesCall func(srv NodeServer, ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)

func unaryMethod(method string, call bytesCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(NodeServer), ctx, req.(*wrapperspb.BytesValue))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodRelayPayload, NodeServer.RelayPayload),
		unaryMethod(methodRelayTransaction, NodeServer.RelayTransaction),
		unaryMethod(methodGetTransactions, NodeServer.GetTransactions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dbft/v1/node.proto",
}
