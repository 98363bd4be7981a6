package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/trezcool/masomo/core/user"
)

// TokenClaims are the facts carried by the payload segment of a bearer token.
// They are derived on demand and never stored.
type TokenClaims struct {
	Email     string
	Role      string
	Roles     []string
	ExpiresAt int64 // unix seconds, 0 if the token carries no expiry
}

type rawClaims struct {
	Email string   `json:"email"`
	Role  string   `json:"role"`
	Roles []string `json:"roles"`
	Exp   *float64 `json:"exp"`
}

// Decode extracts the claims of a `header.payload.signature` token without verifying it.
// Any failure (absent token, wrong number of segments, bad base64, bad JSON) yields nil: "no opinion".
func Decode(token string) *TokenClaims {
	if token == "" {
		return nil
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := jwt.DecodeSegment(parts[1])
	if err != nil {
		return nil
	}

	var raw rawClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil
	}

	claims := &TokenClaims{
		Email: raw.Email,
		Role:  raw.Role,
		Roles: raw.Roles,
	}
	if claims.Role == "" {
		claims.Role = user.MaxRole(raw.Roles)
	}
	if raw.Exp != nil {
		claims.ExpiresAt = int64(*raw.Exp)
	}
	return claims
}

// Expired reports whether the token carries an expiry which is past `now`.
func (c *TokenClaims) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt == 0 {
		return false
	}
	return now.Unix() >= c.ExpiresAt
}
