package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrMissingCredential means no bearer token was presented.
	ErrMissingCredential = errors.New("missing bearer credential")
	// ErrInvalidCredential means a token was presented but did not verify.
	ErrInvalidCredential = errors.New("invalid or expired token")
)

// Verifier turns a raw Authorization header into an authenticated principal ID.
type Verifier interface {
	Verify(ctx context.Context, authorizationHeader string) (string, error)
}

// JWTConfig configures JWTVerifier. Exactly one of Secret or PublicKeyPEM must be set.
type JWTConfig struct {
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

// JWTVerifier validates HMAC or RSA signed identity tokens. Nothing is cached; every call
// re-verifies the token.
type JWTVerifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{issuer: cfg.Issuer, audience: cfg.Audience}

	switch {
	case strings.TrimSpace(cfg.PublicKeyPEM) != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse JWT public key: %w", err)
		}
		v.publicKey = key
	case strings.TrimSpace(cfg.Secret) != "":
		v.secret = []byte(strings.TrimSpace(cfg.Secret))
	default:
		return nil, fmt.Errorf("JWT secret not configured")
	}

	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, authorizationHeader string) (string, error) {
	token, err := ExtractBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}

	claims, err := v.ParseAndValidateToken(token)
	if err != nil {
		return "", err
	}

	principal := PrincipalFromClaims(claims)
	if principal == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	return principal, nil
}

// ParseAndValidateToken checks the signature, expiry and the configured issuer/audience.
func (v *JWTVerifier) ParseAndValidateToken(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, v.keyFunc)
	if err != nil || token == nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidCredential)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidCredential)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrInvalidCredential)
	}
	return claims, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.publicKey != nil {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

// ExtractBearerToken returns the token from an "Authorization: Bearer <token>" header.
// The scheme is matched case-insensitively.
func ExtractBearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMissingCredential
	}
	return parts[1], nil
}

// PrincipalFromClaims prefers "sub" and falls back to the "user_id" claim.
func PrincipalFromClaims(claims jwt.MapClaims) string {
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if uid, ok := claims["user_id"].(string); ok {
		return uid
	}
	return ""
}
