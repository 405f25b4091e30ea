package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// Manager picks the provider for a checkout and dispatches webhooks to the provider named in the
// callback URL.
type Manager struct {
	providers  map[string]Provider
	fallback   string
	byCurrency map[string]string
}

type ManagerOption func(*Manager)

// WithDefaultProvider names the provider used when neither a preference nor a currency route applies.
func WithDefaultProvider(name string) ManagerOption {
	return func(m *Manager) { m.fallback = providerKey(name) }
}

// WithCurrencyRoutes sends checkouts in a currency (ISO 4217, any case) to a specific provider.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, name := range routes {
			m.byCurrency[strings.ToUpper(strings.TrimSpace(currency))] = providerKey(name)
		}
	}
}

// NewManager registers providers by case-insensitive name. Routes and the default must point at a
// registered provider.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers:  make(map[string]Provider, len(providers)),
		byCurrency: map[string]string{},
	}
	for name, provider := range providers {
		key := providerKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration %q", name)
		}
		m.providers[key] = provider
	}
	if len(m.providers) == 1 {
		for key := range m.providers {
			m.fallback = key
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.fallback != "" && m.providers[m.fallback] == nil {
		return nil, fmt.Errorf("%w: default %s", ErrUnsupportedProvider, m.fallback)
	}
	for currency, key := range m.byCurrency {
		if m.providers[key] == nil {
			return nil, fmt.Errorf("%w: %s route for %s", ErrUnsupportedProvider, key, currency)
		}
	}
	return m, nil
}

// PaymentContext carries the hints used to choose a provider: an explicit preference wins over the
// currency route, which wins over the default.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Providers lists registered provider names in sorted order.
func (m *Manager) Providers() []string {
	return slices.Sorted(maps.Keys(m.providers))
}

func (m *Manager) choose(pc PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, ErrPaymentNotConfigured
	}
	key := providerKey(pc.PreferredProvider)
	if key == "" {
		key = m.byCurrency[strings.ToUpper(strings.TrimSpace(pc.Currency))]
	}
	if key == "" {
		key = m.fallback
	}
	if key == "" {
		return "", nil, fmt.Errorf("%w: no default for currency %q", ErrUnsupportedProvider, pc.Currency)
	}
	provider, ok := m.providers[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	return key, provider, nil
}

func (m *Manager) CreateCheckoutSession(ctx context.Context, pc PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.choose(pc)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// ParseWebhook never falls back: a callback for an unregistered provider is rejected.
func (m *Manager) ParseWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (WebhookEvent, error) {
	key := providerKey(provider)
	if key == "" {
		return WebhookEvent{}, ErrUnsupportedProvider
	}
	key, p, err := m.choose(PaymentContext{PreferredProvider: key})
	if err != nil {
		return WebhookEvent{}, err
	}
	event, err := p.ParseWebhook(ctx, payload, headers)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Provider = key
	return event, nil
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
