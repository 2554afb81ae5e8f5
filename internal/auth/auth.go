// Package auth resolves the authenticated principal from a bearer token.
//
// Token issuance belongs to the identity service; this package only verifies
// HS256 tokens and exposes the caller's user ID and role to handlers.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/bookit/internal/idgen"
)

// Role is the marketplace role of a principal.
type Role string

const (
	RoleClient Role = "client"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleVendor || r == RoleAdmin
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Email  string `json:"email,omitempty"`
}

// IsAdmin reports whether the principal has the admin role.
func (p *Principal) IsAdmin() bool { return p != nil && p.Role == RoleAdmin }

// Claims is the JWT payload.
type Claims struct {
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingRole  = errors.New("token carries no valid role")
)

// Verifier validates bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return nil, ErrMissingRole
	}
	return &Principal{UserID: claims.Subject, Role: claims.Role, Email: claims.Email}, nil
}

// Issue signs a token for p. Used by development tooling and tests.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role:  p.Role,
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        idgen.New(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
