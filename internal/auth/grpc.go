package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/opensandbox/pipagent/internal/metrics"
)

type claimsKey struct{}

// ClaimsFromContext returns the claims of the authenticated caller.
func ClaimsFromContext(ctx context.Context) (*WorkerClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*WorkerClaims)
	return c, ok
}

func (j *JWTIssuer) authenticate(ctx context.Context, workerID string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 || !strings.HasPrefix(values[0], "Bearer ") {
		metrics.AuthAttemptsTotal.WithLabelValues("grpc", "missing").Inc()
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization metadata")
	}
	claims, err := j.ValidateWorkerToken(strings.TrimPrefix(values[0], "Bearer "), workerID)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("grpc", "denied").Inc()
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	metrics.AuthAttemptsTotal.WithLabelValues("grpc", "ok").Inc()
	return context.WithValue(ctx, claimsKey{}, claims), nil
}

// UnaryServerInterceptor rejects unary calls without a valid token.
func (j *JWTIssuer) UnaryServerInterceptor(workerID string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := j.authenticate(ctx, workerID)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// StreamServerInterceptor rejects streams without a valid token.
func (j *JWTIssuer) StreamServerInterceptor(workerID string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := j.authenticate(ss.Context(), workerID)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

// TokenCredentials attaches a freshly issued bearer token to every call,
// reissuing it shortly before it expires.
type TokenCredentials struct {
	issuer      *JWTIssuer
	coordinator string
	workerID    string
	ttl         time.Duration
	insecure    bool

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenCredentials returns per-RPC credentials for calls to workerID.
// With allowInsecure the token may be sent over plaintext connections.
func NewTokenCredentials(issuer *JWTIssuer, coordinator, workerID string, ttl time.Duration, allowInsecure bool) *TokenCredentials {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenCredentials{
		issuer:      issuer,
		coordinator: coordinator,
		workerID:    workerID,
		ttl:         ttl,
		insecure:    allowInsecure,
	}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Until(c.expires) < c.ttl/4 {
		token, err := c.issuer.IssueWorkerToken(c.coordinator, c.workerID, c.ttl)
		if err != nil {
			return nil, err
		}
		c.token = token
		c.expires = time.Now().Add(c.ttl)
	}
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *TokenCredentials) RequireTransportSecurity() bool {
	return !c.insecure
}
