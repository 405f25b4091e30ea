package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	adminFlagClaim       = "admin"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// TokenVerifier verifies bearer tokens. Firebase ID tokens and store-issued HS256 JWTs both decode into
// a firebase auth.Token so the middleware treats them alike.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns verified bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier     TokenVerifier
	roleClaim    string
	fallbackRole string
	timeout      time.Duration
}

type Option func(*Authenticator)

// WithRoleClaim reads roles from claim instead of "role". The claim may hold a string, a list of
// strings or a map of role to bool.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role granted to tokens that carry none. An empty role rejects such tokens.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		fallbackRole: RoleUser,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth rejects requests without a valid bearer token (401) and, when roles are given, callers
// holding none of them (403). The caller's uid is added to the request logger.
func (a *Authenticator) RequireAuth(roles ...string) func(http.Handler) http.Handler {
	required := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			required = append(required, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				deny(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				deny(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			identity, err := a.verify(ctx, raw)
			if err != nil {
				code, message := verificationFailure(err)
				deny(ctx, w, http.StatusUnauthorized, code, message)
				return
			}
			if len(identity.Roles) == 0 {
				deny(ctx, w, http.StatusUnauthorized, "missing_role", "no roles associated with identity")
				return
			}
			if len(required) > 0 && !identity.HasAnyRole(required...) {
				deny(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("user_id", identity.UID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) verify(ctx context.Context, raw string) (*Identity, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
	if err != nil {
		return nil, err
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{UID: token.UID, Roles: rolesFromClaim(token.Claims[a.roleClaim])}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	// Firebase custom claims commonly flag operators with admin: true.
	if isAdmin, _ := token.Claims[adminFlagClaim].(bool); isAdmin && !identity.HasRole(RoleAdmin) {
		identity.Roles = append(identity.Roles, RoleAdmin)
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, nil
}

func rolesFromClaim(raw any) []string {
	var roles []string
	add := func(role string) {
		if role = normaliseRole(role); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	switch v := raw.(type) {
	case string:
		add(v)
	case []string:
		for _, role := range v {
			add(role)
		}
	case []any:
		for _, item := range v {
			if role, ok := item.(string); ok {
				add(role)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				add(role)
			}
		}
		slices.Sort(roles)
	}
	return roles
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func verificationFailure(err error) (string, string) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return "token_expired", "bearer token expired"
	case firebaseauth.IsIDTokenRevoked(err):
		return "token_revoked", "bearer token revoked"
	default:
		return "invalid_token", "bearer token invalid"
	}
}

func deny(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
