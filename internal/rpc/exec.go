package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	RemoteExecServiceName       = "pipagent.RemoteExec"
	RemoteExecExecProcessMethod = "/pipagent.RemoteExec/ExecProcess"
)

// RemoteExecServer is the worker-side execution service.
type RemoteExecServer interface {
	ExecProcess(context.Context, *ExecProcessRequest) (*ExecProcessResponse, error)
}

// RegisterRemoteExecServer registers srv on s.
func RegisterRemoteExecServer(s grpc.ServiceRegistrar, srv RemoteExecServer) {
	s.RegisterService(&RemoteExecServiceDesc, srv)
}

// RemoteExecServiceDesc describes the RemoteExec service for grpc.Server.
var RemoteExecServiceDesc = grpc.ServiceDesc{
	ServiceName: RemoteExecServiceName,
	HandlerType: (*RemoteExecServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecProcess", Handler: remoteExecExecProcessHandler},
	},
	Metadata: "pipagent/exec",
}

func remoteExecExecProcessHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteExecServer).ExecProcess(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RemoteExecExecProcessMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteExecServer).ExecProcess(ctx, req.(*ExecProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RemoteExecClient is the coordinator-side execution client.
type RemoteExecClient interface {
	ExecProcess(ctx context.Context, in *ExecProcessRequest, opts ...grpc.CallOption) (*ExecProcessResponse, error)
}

type remoteExecClient struct {
	cc grpc.ClientConnInterface
}

// NewRemoteExecClient returns a client for the RemoteExec service on cc.
func NewRemoteExecClient(cc grpc.ClientConnInterface) RemoteExecClient {
	return &remoteExecClient{cc: cc}
}

func (c *remoteExecClient) ExecProcess(ctx context.Context, in *ExecProcessRequest, opts ...grpc.CallOption) (*ExecProcessResponse, error) {
	out := new(ExecProcessResponse)
	if err := c.cc.Invoke(ctx, RemoteExecExecProcessMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
