// Package correlation derives the stable saga identity from a supplier's
// business key. The same key always yields the same identity, so redelivered
// records land on the saga that already exists for them.
package correlation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyKey signals that a record carries no usable business key.
var ErrEmptyKey = errors.New("correlation: business key required")

// Identity is the fixed-width saga identifier.
type Identity = uuid.UUID

// namespace scopes name-based identities to infringement business keys. It must
// never change: every persisted saga is keyed by identities derived under it.
var namespace = uuid.MustParse("6f1c3b52-8d2e-4a7b-9c41-2f0e5d7a9b13")

// Derive maps a business key to its correlation identity (UUIDv5, SHA-1).
// The key is hashed verbatim; whitespace-only keys are rejected.
func Derive(businessKey string) (Identity, error) {
	if strings.TrimSpace(businessKey) == "" {
		return uuid.Nil, ErrEmptyKey
	}
	return uuid.NewSHA1(namespace, []byte(businessKey)), nil
}

// MustDerive is Derive for keys known to be valid, such as test fixtures.
func MustDerive(businessKey string) Identity {
	id, err := Derive(businessKey)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse reads an identity in its canonical string form.
func Parse(s string) (Identity, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("correlation: parse identity: %w", err)
	}
	return id, nil
}
