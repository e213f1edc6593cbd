package worker

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/opensandbox/pipagent/internal/auth"
	"github.com/opensandbox/pipagent/internal/rpc"
)

// GRPCOptions configures the worker's gRPC listener.
type GRPCOptions struct {
	// Issuer validates channel tokens; nil disables authentication.
	Issuer   *auth.JWTIssuer
	WorkerID string
	TLSCert  string
	TLSKey   string
}

// GRPCServer serves RemoteCas and RemoteExec for coordinators.
type GRPCServer struct {
	cas    *CasServer
	exec   *ExecServer
	server *grpc.Server
}

// NewGRPCServer creates a new gRPC server wrapping the content and
// execution services.
func NewGRPCServer(casSrv *CasServer, execSrv *ExecServer, opts GRPCOptions) (*GRPCServer, error) {
	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.MaxRecvMsgSize(rpc.MaxMessageSize),
		grpc.MaxSendMsgSize(rpc.MaxMessageSize),
	}

	if opts.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})))
	}

	if opts.Issuer != nil {
		serverOpts = append(serverOpts,
			grpc.ChainUnaryInterceptor(opts.Issuer.UnaryServerInterceptor(opts.WorkerID)),
			grpc.ChainStreamInterceptor(opts.Issuer.StreamServerInterceptor(opts.WorkerID)),
		)
	} else {
		log.Printf("grpc: channel authentication disabled")
	}

	s := &GRPCServer{
		cas:    casSrv,
		exec:   execSrv,
		server: grpc.NewServer(serverOpts...),
	}
	rpc.RegisterRemoteCasServer(s.server, casSrv)
	rpc.RegisterRemoteExecServer(s.server, execSrv)
	return s, nil
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Start starts the gRPC server on the given address.
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}
