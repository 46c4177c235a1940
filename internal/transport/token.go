package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/workspace/acp-engine/internal/rpc"
)

// Claims is the subset of bearer-token claims the client inspects.
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace,omitempty"`
}

// CheckToken decodes token without verifying its signature (the server
// does that) and rejects it when already expired at now. An empty token
// yields nil claims and no error.
func CheckToken(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque tokens are passed through untouched.
		return nil, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return claims, &rpc.RemoteError{
			Operation:    "dial",
			Message:      fmt.Sprintf("bearer token expired at %s", claims.ExpiresAt.UTC().Format(time.RFC3339)),
			AuthRequired: true,
		}
	}
	return claims, nil
}
