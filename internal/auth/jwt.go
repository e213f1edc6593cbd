package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "pipagent"

// WorkerClaims are the JWT claims a coordinator presents to a worker.
type WorkerClaims struct {
	jwt.RegisteredClaims
	Coordinator string `json:"coordinator"`
	WorkerID    string `json:"worker_id,omitempty"`
}

// JWTIssuer creates and validates channel tokens signed with a shared
// secret.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates a new JWT issuer with the given shared secret.
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// IssueWorkerToken creates a JWT for calls from coordinator to workerID.
// An empty workerID makes the token valid for any worker sharing the
// secret.
func (j *JWTIssuer) IssueWorkerToken(coordinator, workerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := WorkerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   coordinator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		Coordinator: coordinator,
		WorkerID:    workerID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateWorkerToken parses and validates a channel token. A token bound
// to a different worker is rejected.
func (j *JWTIssuer) ValidateWorkerToken(tokenStr, workerID string) (*WorkerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &WorkerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*WorkerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.WorkerID != "" && workerID != "" && claims.WorkerID != workerID {
		return nil, fmt.Errorf("token not valid for worker %s", workerID)
	}

	return claims, nil
}
