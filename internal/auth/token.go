package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity assertion issued by the upstream identity provider.
type Claims struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Caller is the resolved identity of one request or realtime connection.
type Caller struct {
	ID        string
	Name      string
	AvatarURL string
	IsAdmin   bool
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// ResolveCaller verifies token and returns the caller it identifies.
func ResolveCaller(secret []byte, token string) (Caller, error) {
	claims, err := ParseToken(secret, token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{
		ID:        claims.Subject,
		Name:      strings.TrimSpace(claims.Name),
		AvatarURL: strings.TrimSpace(claims.Avatar),
		IsAdmin:   claims.Admin,
	}, nil
}

// NewClaims is a convenience for tooling and tests that mint tokens locally.
func NewClaims(userID, name string, admin bool, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		Name:  name,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
