package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the session token claims shared between the engine and
// the messaging backend.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// Identity is who the client is acting as, derived from the session token.
type Identity struct {
	UserID string
	Name   string
	Token  string
}

// JWTConfig holds signing configuration for the token issuer side.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken creates a new signed session token for the given user.
func GenerateToken(cfg *JWTConfig, userID, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ValidateToken parses and validates a session token against the secret.
func ValidateToken(cfg *JWTConfig, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// IdentityFromToken extracts the acting identity from a session token without
// verifying the signature. The client never holds the signing secret; the
// server re-validates the token on every call.
func IdentityFromToken(tokenString string) (Identity, error) {
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("token carries no user id")
	}
	return Identity{UserID: claims.UserID, Name: claims.Name, Token: tokenString}, nil
}
