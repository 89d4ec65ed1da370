package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified content of an access token.
//
// Permissions are a snapshot taken at issuance time: permission changes take
// effect only after the token is re-issued, not immediately. Disablement is
// still enforced per call by re-reading the identity from the store.
type Claims struct {
	Username    string
	Permissions []string
	ExpiresAt   time.Time
}

// HasPermission reports whether the claims satisfy the required permission.
// The "admin" permission satisfies any requirement.
func (c Claims) HasPermission(required string) bool {
	for _, p := range c.Permissions {
		if p == required || p == "admin" {
			return true
		}
	}
	return false
}

type accessClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// IssueAccessToken produces a signed HS256 claim for username with
// exp = now + ttl. A non-positive ttl falls back to the configured default.
// No side effects; tokens are never stored.
func (a *Authority) IssueAccessToken(username string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = a.cfg.AccessTokenTTL
	}

	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Permissions: permissions,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature and expiry only. Bad signature, malformed
// payload, and expiry all collapse into ErrInvalidToken; there is no partial
// success and no store round-trip.
func (a *Authority) VerifyAccessToken(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &accessClaims{},
		func(_ *jwt.Token) (any, error) { return a.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		Username:    claims.Subject,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
