// This file implements local JSON Web Token verification using HMAC-SHA256
// signing, the well-known-key-signed path of the Token verifier (spec.md
// §4.B).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetctl/controlplane/internal/models"
)

// JWTConfig holds HMAC signing configuration.
type JWTConfig struct {
	// SecretKey signs and verifies tokens. Must be cryptographically random,
	// at least 32 bytes.
	SecretKey string

	// Issuer is checked against the token's iss claim.
	Issuer string

	// TokenDuration is how long freshly issued tokens remain valid.
	TokenDuration time.Duration
}

// Claims is the payload carried by access tokens this server issues and
// verifies.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates and issues locally-signed tokens.
type JWTVerifier struct {
	config JWTConfig
}

// NewJWTVerifier constructs a JWTVerifier, applying defaults for unset fields.
func NewJWTVerifier(config JWTConfig) *JWTVerifier {
	if config.TokenDuration == 0 {
		config.TokenDuration = time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "fleet-control-plane"
	}
	return &JWTVerifier{config: config}
}

// GenerateToken issues a new signed access token.
func (v *JWTVerifier) GenerateToken(userID, email, role string) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(v.config.TokenDuration)
	claims := &Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(v.config.SecretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry, nil
}

// Verify parses and validates tokenString, rejecting algorithm-substitution
// attacks by requiring the HMAC signing method regardless of what the token
// header claims.
func (v *JWTVerifier) Verify(tokenString string) (models.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.SecretKey), nil
	}, jwt.WithIssuer(v.config.Issuer))
	if err != nil {
		return models.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}

	exp := claims.ExpiresAt.Time
	if expired(exp) {
		return models.Identity{}, ErrInvalidToken
	}

	return models.Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
		Expiry: exp,
	}, nil
}

// RefreshEligible reports whether a token with the given expiry is inside
// the refresh window: not yet expired, and within maxWindow of expiring.
// Mirrors spec.md §4.E's refresh-threshold check, generalized to any window.
func RefreshEligible(expiry time.Time, maxWindow time.Duration) bool {
	remaining := time.Until(expiry)
	return remaining >= 0 && remaining <= maxWindow
}
