package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errEmptyToken  = errors.New("auth: empty token")
	errEmptySecret = errors.New("auth: empty secret")
	errInvalidRole = errors.New("auth: invalid role")
)

// Claims represents the JWT claims accepted by the API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseJWT validates an HS256 token and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errEmptyToken
	}
	if len(secret) == 0 {
		return nil, errEmptySecret
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, errInvalidRole
	}
	return claims, nil
}

// IssueJWT signs an HS256 token for role. Used by tooling and tests.
func IssueJWT(secret []byte, subject string, role Role, claims jwt.RegisteredClaims) (string, error) {
	if len(secret) == 0 {
		return "", errEmptySecret
	}
	if _, ok := NormalizeRole(string(role)); !ok {
		return "", errInvalidRole
	}
	claims.Subject = subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: string(role), RegisteredClaims: claims})
	return token.SignedString(secret)
}
