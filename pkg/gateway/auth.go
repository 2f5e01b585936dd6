package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the slice of the platform session token this core
// needs: tenant identity. Session issuance and everything else about
// authentication lives outside this service.
type sessionClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TenantResolver extracts the tenant from an authenticated session
// token.
type TenantResolver interface {
	TenantFromToken(token string) (string, error)
}

// JWTTenantResolver validates HS256 session tokens minted by the
// platform's auth service against a shared secret.
type JWTTenantResolver struct {
	secret []byte
}

// NewJWTTenantResolver builds a resolver from the shared session secret.
func NewJWTTenantResolver(secret []byte) *JWTTenantResolver {
	return &JWTTenantResolver{secret: secret}
}

func (r *JWTTenantResolver) TenantFromToken(token string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("gateway: unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("gateway: parse session token: %w", err)
	}
	if !parsed.Valid || claims.TenantID == "" {
		return "", fmt.Errorf("gateway: session token has no tenant")
	}
	return claims.TenantID, nil
}

// StaticTenantResolver maps every request to one tenant. Dev mode only.
type StaticTenantResolver struct {
	TenantID string
}

func (r *StaticTenantResolver) TenantFromToken(string) (string, error) {
	if r.TenantID == "" {
		return "", fmt.Errorf("gateway: no static tenant configured")
	}
	return r.TenantID, nil
}
