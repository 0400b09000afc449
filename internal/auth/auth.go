package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"arbiter.gg/internal/opt"
)

// AccessClaims are the claims of a signed access token.
type AccessClaims struct {
	SessionID  string            `json:"sessionId"`
	DeviceID   string            `json:"deviceId"`
	UserType   UserType          `json:"userType"`
	Roles      []string          `json:"roles"`
	AllianceID opt.Value[string] `json:"allianceId,omitzero"`
	Level      opt.Value[int]    `json:"level,omitzero"`
	TokenType  string            `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims of the signed wire form of a refresh token.
type RefreshClaims struct {
	Family    string `json:"fam"`
	DeviceID  string `json:"did"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// typedClaims is used to peek at the token type before choosing a key.
type typedClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// signingKey pairs a jwt method with the keys used to sign and verify.
type signingKey struct {
	method jwt.SigningMethod
	sign   any
	verify any
	kid    string
}

func (k signingKey) configured() bool {
	return k.method != nil && k.sign != nil && k.verify != nil
}

func hmacKey(secret []byte) signingKey {
	return signingKey{method: jwt.SigningMethodHS256, sign: secret, verify: secret}
}

func rsaKey(privatePEM, publicPEM string) (signingKey, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.TrimSpace(privatePEM)))
	if err != nil {
		return signingKey{}, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(strings.TrimSpace(publicPEM)))
	if err != nil {
		return signingKey{}, fmt.Errorf("auth: parse public key: %w", err)
	}
	return signingKey{method: jwt.SigningMethodRS256, sign: priv, verify: pub}, nil
}

func (k signingKey) signClaims(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(k.method, claims)
	if k.kid != "" {
		token.Header["kid"] = k.kid
	}
	signed, err := token.SignedString(k.sign)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// peekType reads the typ claim without verifying the signature.
func peekType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Count(raw, ".") != 2 {
		return "", ErrMalformed
	}
	var claims typedClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", ErrMalformed
	}
	return claims.TokenType, nil
}

// parseVerified checks signature, expiry, issuer and audience and maps
// library errors onto the package taxonomy.
func (m *Manager) parseVerified(raw string, key signingKey, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{key.method.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	_, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return key.verify, nil
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrSignatureInvalid
	default:
		return ErrMalformed
	}
}
