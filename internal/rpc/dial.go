package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// MaxMessageSize bounds a single message in either direction.
const MaxMessageSize = 64 * 1024 * 1024

// DialOptions configures a connection to a worker.
type DialOptions struct {
	// CAFile, if set, enables TLS and verifies the worker against it.
	CAFile string
	// ServerName overrides the name used for TLS verification.
	ServerName string
	// Insecure disables transport security. Tokens are then sent in the
	// clear, so it is only meant for local development.
	Insecure bool
	// Credentials are attached to every call, usually a bearer token.
	Credentials credentials.PerRPCCredentials
	// Extra options, e.g. a custom dialer in tests.
	Extra []grpc.DialOption
}

// Dial creates a client connection to addr. Connection establishment
// starts immediately so keepalive can notice a dead worker before the
// first call.
func Dial(addr string, opts DialOptions) (*grpc.ClientConn, error) {
	transport, err := transportCredentials(opts)
	if err != nil {
		return nil, err
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	if opts.Credentials != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(opts.Credentials))
	}
	dialOpts = append(dialOpts, opts.Extra...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", addr, err)
	}
	conn.Connect()
	return conn, nil
}

func transportCredentials(opts DialOptions) (credentials.TransportCredentials, error) {
	if opts.Insecure {
		return insecure.NewCredentials(), nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: opts.ServerName}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA %s: %w", opts.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	return credentials.NewTLS(cfg), nil
}
