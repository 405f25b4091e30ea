package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// SecretResolver turns a secret://project/name[#version] reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError reports a reference that could not be resolved.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved empty. Error only prints redacted
// names so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	slices.Sort(out)
	return out
}

func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Sorted(slices.Values(e.names))
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// resolveSecretFields replaces secret references in the fields that may hold credentials and returns
// the resolved values keyed by field path.
func resolveSecretFields(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	fields := []struct {
		name  string
		value *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"Auth.JWTSecret", &cfg.Auth.JWTSecret},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
	}
	resolved := make(map[string]string, len(fields))
	for _, field := range fields {
		value, err := resolveSecret(ctx, *field.value, resolver)
		if err != nil {
			return nil, err
		}
		*field.value = value
		resolved[field.name] = strings.TrimSpace(value)
	}
	return resolved, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretReference recognises secret:// and the older sm:// scheme, returning the secret:// form.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(missing, name) {
			continue
		}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
