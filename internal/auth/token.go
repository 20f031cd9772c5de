package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity carried by bearer tokens from the identity provider.
type Claims struct {
	Name     string `json:"name"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Verifier turns a bearer token into verified claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// IssueToken signs claims with HS256. Used for development and tests; the
// production identity provider issues its own tokens.
func IssueToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token against secret.
func ParseToken(secret []byte, token string) (Claims, error) {
	return parse(token, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.SigningMethodHS256.Alg())
}

type hmacVerifier struct {
	secret []byte
}

// NewHMACVerifier verifies tokens signed with a shared secret.
func NewHMACVerifier(secret string) Verifier {
	return &hmacVerifier{secret: []byte(secret)}
}

func (v *hmacVerifier) Verify(token string) (Claims, error) {
	return ParseToken(v.secret, token)
}

type jwksVerifier struct {
	jwks keyfunc.Keyfunc
}

// NewJWKSVerifier verifies RS256/ES256 tokens with keys fetched (and cached)
// from the provider's JWKS endpoint.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (Verifier, error) {
	if strings.TrimSpace(jwksURL) == "" {
		return nil, errors.New("JWKS URL cannot be empty")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS client: %w", err)
	}
	return &jwksVerifier{jwks: jwks}, nil
}

func (v *jwksVerifier) Verify(token string) (Claims, error) {
	return parse(token, v.jwks.Keyfunc, "RS256", "ES256")
}

func parse(token string, keyFunc jwt.Keyfunc, algs ...string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc, jwt.WithValidMethods(algs))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// HashToken returns the hex SHA-256 of an opaque token, for at-rest storage.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
