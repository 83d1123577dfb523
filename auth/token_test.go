package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokens_IssueAndVerify(t *testing.T) {
	tokens := NewTokens("test-secret")

	signed, err := tokens.Issue(Claims{Subject: "feed-a", Role: RoleSupplier, Supplier: "SupplierA"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "feed-a" || claims.Role != RoleSupplier || claims.Supplier != "SupplierA" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.CanPublish("SupplierA") || claims.CanPublish("SupplierB") {
		t.Fatalf("supplier token must only publish for its own supplier")
	}
}

func TestTokens_OperatorPublishesAnywhere(t *testing.T) {
	claims := Claims{Subject: "ops", Role: RoleOperator}
	if !claims.CanPublish("SupplierA") || !claims.CanPublish("SupplierB") {
		t.Fatal("operator should publish for every supplier")
	}
	if (Claims{Role: "guest"}).CanPublish("SupplierA") {
		t.Fatal("unknown role must not publish")
	}
}

func TestTokens_RejectsExpired(t *testing.T) {
	tokens := NewTokens("test-secret")
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	signed, err := tokens.Issue(Claims{Subject: "ops", Role: RoleOperator}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tokens.now = time.Now
	if _, err := tokens.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestTokens_RejectsForeignSecret(t *testing.T) {
	signed, err := NewTokens("other").Issue(Claims{Subject: "ops", Role: RoleOperator}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokens("test-secret").Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestTokens_RejectsUnsignedAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":  "ops",
		"role": "operator",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewTokens("test-secret").Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestTokens_IssueRejectsBadClaims(t *testing.T) {
	tokens := NewTokens("test-secret")
	if _, err := tokens.Issue(Claims{Role: "admin"}, time.Hour); err == nil || !strings.Contains(err.Error(), "invalid role") {
		t.Fatalf("expected invalid role error, got %v", err)
	}
	if _, err := tokens.Issue(Claims{Role: RoleSupplier}, time.Hour); err == nil {
		t.Fatal("expected supplier token without supplier to fail")
	}
}
