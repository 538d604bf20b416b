package auth

import (
	"testing"
	"time"
)

func testConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "chatsync-dev",
		Audience: "chatsync",
		TTL:      time.Hour,
	}
}

func TestGenerateAndValidate(t *testing.T) {
	cfg := testConfig()

	token, err := GenerateToken(cfg, "u1", "Alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateToken(cfg, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "u1" || claims.Name != "Alice" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken(testConfig(), "u1", "Alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	other := testConfig()
	other.Secret = []byte("another-secret")
	if _, err := ValidateToken(other, token); err == nil {
		t.Fatal("expected validation failure with wrong secret")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = -time.Minute

	token, err := GenerateToken(cfg, "u1", "Alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateToken(cfg, token); err == nil {
		t.Fatal("expected validation failure for expired token")
	}
}

func TestIdentityFromToken(t *testing.T) {
	token, err := GenerateToken(testConfig(), "u7", "Bob")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	id, err := IdentityFromToken(token)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.UserID != "u7" || id.Name != "Bob" || id.Token != token {
		t.Fatalf("identity mismatch: %+v", id)
	}
}

func TestIdentityFromTokenRequiresUserID(t *testing.T) {
	token, err := GenerateToken(testConfig(), "", "Nameless")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := IdentityFromToken(token); err == nil {
		t.Fatal("expected error for token without user id")
	}

	if _, err := IdentityFromToken("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
