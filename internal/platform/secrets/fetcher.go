// Package secrets resolves secret:// references through Google Secret Manager with a local file
// fallback.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/hanko-field/store-api/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the local file has the secret.
var ErrNotFound = errors.New("secrets: secret not found")

var errRemoteUnavailable = errors.New("secrets: secret manager not configured")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type cacheEntry struct {
	name    string
	value   string
	expires time.Time
}

// Fetcher resolves and caches secrets. Concurrent lookups of the same reference share one remote
// call. Secret Manager errors that suggest an outage or missing credentials fall back to the local
// file; NotFound does not.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	local      *localFile
	logger     *zap.Logger
	ttl        time.Duration
	clock      func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry

	lookups metric.Int64Counter
	latency metric.Float64Histogram
}

type Option func(*Fetcher, *buildOptions)

type buildOptions struct {
	meter      metric.Meter
	clientOpts []option.ClientOption
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher, _ *buildOptions) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithDefaultProject is used for references without ?project=.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher, _ *buildOptions) { f.projectID = strings.TrimSpace(projectID) }
}

func WithFallbackFile(path string) Option {
	return func(f *Fetcher, _ *buildOptions) { f.local = &localFile{path: strings.TrimSpace(path)} }
}

// WithCacheTTL expires cached values so rotated secrets are picked up. Zero caches for the life of
// the process.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher, _ *buildOptions) {
		if ttl >= 0 {
			f.ttl = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(_ *Fetcher, b *buildOptions) { b.meter = m }
}

func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher, _ *buildOptions) { f.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(_ *Fetcher, b *buildOptions) { b.clientOpts = append(b.clientOpts, opts...) }
}

// NewFetcher never fails on a missing Secret Manager client; the fetcher then serves the local file
// only and Probe reports the outage.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		local:  &localFile{path: defaultFallbackPath},
		logger: zap.NewNop(),
		clock:  time.Now,
		cache:  make(map[string]cacheEntry),
	}
	var build buildOptions
	for _, opt := range opts {
		if opt != nil {
			opt(f, &build)
		}
	}

	meter := build.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	var err error
	if f.lookups, err = meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret lookups by source")); err != nil {
		f.logger.Warn("secrets: lookup counter unavailable", zap.Error(err))
	}
	if f.latency, err = meter.Float64Histogram("secrets.fetch.latency", metric.WithUnit("ms"), metric.WithDescription("Uncached secret fetch latency")); err != nil {
		f.logger.Warn("secrets: latency histogram unavailable", zap.Error(err))
	}

	if f.client == nil && f.projectID != "" {
		client, err := newSecretManagerClient(ctx, build.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager client unavailable; serving local file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	key := ref.String()
	if value, ok := f.cached(key); ok {
		f.count(ctx, "cache")
		return value, nil
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		start := time.Now()
		value, source, err := f.fetch(ctx, ref)
		if err != nil {
			source = "error"
		}
		f.count(ctx, source)
		if f.latency != nil {
			f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attribute.String("source", source)))
		}
		if err != nil {
			return "", err
		}
		f.store(key, ref.Name, value)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops every cached version of the named secret.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.cache {
		if entry.name == ref.Name {
			delete(f.cache, key)
		}
	}
}

// Probe checks that Secret Manager answers for the default project. A NotFound answer counts as
// healthy, so name need not exist.
func (f *Fetcher) Probe(ctx context.Context, name string) error {
	resource := Reference{Name: name, Version: latestVersion}.resource(f.projectID)
	if f.client == nil || resource == "" {
		return errRemoteUnavailable
	}
	if _, err := f.access(ctx, resource); err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, ref Reference) (value, source string, err error) {
	if resource := ref.resource(f.projectID); resource != "" && f.client != nil {
		value, err := f.access(ctx, resource)
		switch {
		case err == nil:
			return value, "remote", nil
		case status.Code(err) == codes.NotFound:
			return "", "", fmt.Errorf("%w: %s: %w", ErrNotFound, ref, err)
		case !fallsBack(err):
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref, err)
		}
		f.logger.Warn("secrets: secret manager unavailable; using local file",
			zap.String("secret", maskName(ref.Name)), zap.Error(err))
	}

	value, ok, err := f.local.lookup(ref)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return value, "local", nil
}

func (f *Fetcher) access(ctx context.Context, resource string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	entry, ok := f.cache[key]
	f.mu.RUnlock()
	if !ok || (!entry.expires.IsZero() && !f.clock().Before(entry.expires)) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, name, value string) {
	entry := cacheEntry{name: name, value: value}
	if f.ttl > 0 {
		entry.expires = f.clock().Add(f.ttl)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

func (f *Fetcher) count(ctx context.Context, source string) {
	if f.lookups != nil {
		f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func fallsBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func maskName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
