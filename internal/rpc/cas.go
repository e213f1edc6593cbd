package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	RemoteCasServiceName     = "pipagent.RemoteCas"
	RemoteCasPinBulkMethod   = "/pipagent.RemoteCas/PinBulk"
	RemoteCasStoreFileMethod = "/pipagent.RemoteCas/StoreFile"
)

// RemoteCasServer is the worker-side content service.
type RemoteCasServer interface {
	PinBulk(context.Context, *PinBulkRequest) (*PinBulkResponse, error)
	StoreFile(RemoteCas_StoreFileServer) error
}

// RemoteCas_StoreFileServer is the server side of a streamed upload.
type RemoteCas_StoreFileServer interface {
	SendAndClose(*StoreFileResponse) error
	Recv() (*StoreFileRequest, error)
	grpc.ServerStream
}

// RegisterRemoteCasServer registers srv on s.
func RegisterRemoteCasServer(s grpc.ServiceRegistrar, srv RemoteCasServer) {
	s.RegisterService(&RemoteCasServiceDesc, srv)
}

// RemoteCasServiceDesc describes the RemoteCas service for grpc.Server.
var RemoteCasServiceDesc = grpc.ServiceDesc{
	ServiceName: RemoteCasServiceName,
	HandlerType: (*RemoteCasServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PinBulk", Handler: remoteCasPinBulkHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StoreFile", Handler: remoteCasStoreFileHandler, ClientStreams: true},
	},
	Metadata: "pipagent/cas",
}

func remoteCasPinBulkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PinBulkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteCasServer).PinBulk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RemoteCasPinBulkMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteCasServer).PinBulk(ctx, req.(*PinBulkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func remoteCasStoreFileHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RemoteCasServer).StoreFile(&remoteCasStoreFileServer{stream})
}

type remoteCasStoreFileServer struct {
	grpc.ServerStream
}

func (x *remoteCasStoreFileServer) SendAndClose(m *StoreFileResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *remoteCasStoreFileServer) Recv() (*StoreFileRequest, error) {
	m := new(StoreFileRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RemoteCasClient is the coordinator-side content client.
type RemoteCasClient interface {
	PinBulk(ctx context.Context, in *PinBulkRequest, opts ...grpc.CallOption) (*PinBulkResponse, error)
	StoreFile(ctx context.Context, opts ...grpc.CallOption) (RemoteCas_StoreFileClient, error)
}

// RemoteCas_StoreFileClient is the client side of a streamed upload.
type RemoteCas_StoreFileClient interface {
	Send(*StoreFileRequest) error
	CloseAndRecv() (*StoreFileResponse, error)
	grpc.ClientStream
}

type remoteCasClient struct {
	cc grpc.ClientConnInterface
}

// NewRemoteCasClient returns a client for the RemoteCas service on cc.
func NewRemoteCasClient(cc grpc.ClientConnInterface) RemoteCasClient {
	return &remoteCasClient{cc: cc}
}

func (c *remoteCasClient) PinBulk(ctx context.Context, in *PinBulkRequest, opts ...grpc.CallOption) (*PinBulkResponse, error) {
	out := new(PinBulkResponse)
	if err := c.cc.Invoke(ctx, RemoteCasPinBulkMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *remoteCasClient) StoreFile(ctx context.Context, opts ...grpc.CallOption) (RemoteCas_StoreFileClient, error) {
	stream, err := c.cc.NewStream(ctx, &RemoteCasServiceDesc.Streams[0], RemoteCasStoreFileMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &remoteCasStoreFileClient{stream}, nil
}

type remoteCasStoreFileClient struct {
	grpc.ClientStream
}

func (x *remoteCasStoreFileClient) Send(m *StoreFileRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *remoteCasStoreFileClient) CloseAndRecv() (*StoreFileResponse, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(StoreFileResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// callOptions forces the CBOR codec on every call.
func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
