// Package auth issues and verifies the bearer tokens that guard the HTTP
// ingress endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	// RoleSupplier may publish records for the supplier named in its token.
	RoleSupplier Role = "supplier"
	// RoleOperator may publish for any supplier and read saga records.
	RoleOperator Role = "operator"
)

var (
	// ErrInvalidToken signals a token that is malformed, expired or signed
	// with another key.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden signals a valid token lacking the required grant.
	ErrForbidden = errors.New("auth: forbidden")
)

// Claims identifies the caller behind a verified token.
type Claims struct {
	Subject  string
	Role     Role
	Supplier string
}

// CanPublish reports whether the caller may publish records for origin.
func (c Claims) CanPublish(origin string) bool {
	switch c.Role {
	case RoleOperator:
		return true
	case RoleSupplier:
		return c.Supplier == origin
	default:
		return false
	}
}

// Tokens signs and verifies HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for subject valid for ttl.
func (t *Tokens) Issue(c Claims, ttl time.Duration) (string, error) {
	if !isValidRole(c.Role) {
		return "", fmt.Errorf("auth: invalid role %q", c.Role)
	}
	if c.Role == RoleSupplier && c.Supplier == "" {
		return "", fmt.Errorf("auth: supplier token needs a supplier")
	}

	now := t.now()
	claims := jwt.MapClaims{
		"sub":  c.Subject,
		"role": string(c.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if c.Supplier != "" {
		claims["supplier"] = c.Supplier
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates tokenString and returns its claims.
func (t *Tokens) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Claims{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	supplier, _ := claims["supplier"].(string)

	return Claims{Subject: subject, Role: Role(roleStr), Supplier: supplier}, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleSupplier, RoleOperator:
		return true
	default:
		return false
	}
}
