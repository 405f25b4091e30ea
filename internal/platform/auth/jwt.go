package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v4"
)

// JWTVerifier validates HS256 bearer tokens issued by the store itself. It is used when no Firebase
// project is configured, typically in local development and integration environments.
type JWTVerifier struct {
	secret []byte
	issuer string
	clock  func() time.Time
	leeway time.Duration
}

// JWTOption customises JWTVerifier instances.
type JWTOption func(*JWTVerifier)

// WithJWTClock overrides the clock used for expiry checks.
func WithJWTClock(clock func() time.Time) JWTOption {
	return func(v *JWTVerifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// WithJWTLeeway allows a small amount of clock skew on exp/nbf/iat.
func WithJWTLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// NewJWTVerifier constructs a verifier for tokens signed with secret. An empty issuer disables the
// iss check.
func NewJWTVerifier(secret, issuer string, opts ...JWTOption) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	v := &JWTVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// VerifyIDToken parses and validates the token, returning its claims in firebase Token form so the
// Authenticator can treat both verifier kinds the same way.
func (v *JWTVerifier) VerifyIDToken(_ context.Context, raw string) (*firebaseauth.Token, error) {
	if v == nil {
		return nil, errors.New("jwt verifier not initialised")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.clock()
	if !claims.VerifyExpiresAt(now.Add(-v.leeway).Unix(), true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Add(v.leeway).Unix(), false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	token := &firebaseauth.Token{
		UID:     subject,
		Subject: subject,
		Claims:  map[string]interface{}(claims),
	}
	if iss, ok := claims["iss"].(string); ok {
		token.Issuer = iss
	}
	if exp, ok := claims["exp"].(float64); ok {
		token.Expires = int64(exp)
	}
	if iat, ok := claims["iat"].(float64); ok {
		token.IssuedAt = int64(iat)
	}
	return token, nil
}
