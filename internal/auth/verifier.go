// Package auth verifies the bearer credentials clients present at connection
// time. Token issuance lives elsewhere; this package only validates.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// Verification failure classes. The WebSocket layer treats them all as a
// 4001 close; REST handlers map them to 401 responses.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
	ErrRevokedToken = errors.New("auth: token revoked")
)

// Verifier validates a bearer token and resolves it to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// revokedPrefix is the Redis key prefix for revoked token ids. Keys are
// written by the auth service with a TTL matching the token's remaining
// lifetime.
const revokedPrefix = "revoked:"

// JWTVerifier validates HMAC-signed JWTs and checks the token id against a
// Redis revocation list. A nil Redis client skips the revocation check.
type JWTVerifier struct {
	secret []byte
	rdb    *redis.Client
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret []byte, rdb *redis.Client) *JWTVerifier {
	return &JWTVerifier{secret: secret, rdb: rdb}
}

// Verify parses and validates the token, returning the subject claim as the
// user id. Expiry is enforced by the parser; revocation by Redis lookup.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}

	if v.rdb != nil && claims.ID != "" {
		n, err := v.rdb.Exists(ctx, revokedPrefix+claims.ID).Result()
		if err != nil {
			// Revocation store unavailable: fail open so a Redis outage
			// does not take down all connects.
			return claims.Subject, nil
		}
		if n > 0 {
			return "", ErrRevokedToken
		}
	}

	return claims.Subject, nil
}
