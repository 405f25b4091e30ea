// Package payments adapts payment service providers (PSPs) to the store: hosted checkout sessions
// going out and signed webhook notifications coming back.
package payments

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	ErrUnsupportedProvider     = errors.New("payments: unsupported provider")
	ErrPaymentNotConfigured    = errors.New("payments: provider not configured")
	ErrWebhookSignatureInvalid = errors.New("payments: webhook signature invalid")
)

// EventKind classifies a webhook independently of the provider's own event types.
type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventPaymentFailed     EventKind = "payment_failed"
	// EventIgnored is a verified notification that does not move an order.
	EventIgnored EventKind = "ignored"
)

// Metadata keys written onto checkout sessions and payment intents and read back from webhooks.
const (
	MetadataOrderID = "order_id"
	MetadataUserID  = "user_id"
)

type WebhookEvent struct {
	ID         string
	Provider   string
	Kind       EventKind
	RawType    string
	OrderID    string
	PaymentRef string
	Metadata   map[string]string
	OccurredAt time.Time
}

type CheckoutLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
	Currency string
}

// CheckoutSessionRequest amounts are in the currency's minor unit.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	ClientRef      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// Provider is implemented by each PSP adapter.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	// ParseWebhook verifies the signature before decoding. Unsigned or tampered payloads return
	// ErrWebhookSignatureInvalid; a provider without a webhook secret returns ErrPaymentNotConfigured.
	ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookEvent, error)
}
