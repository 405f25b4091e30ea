package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/store-api/internal/platform/textutil"
)

const (
	stripeName              = "stripe"
	stripeSignatureHeader   = "Stripe-Signature"
	stripeDefaultSessionTTL = 24 * time.Hour
)

// StripeLogger receives structured provider events.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// StripeSessions is the slice of the Stripe client the provider uses.
type StripeSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig: with no APIKey, checkout reports ErrPaymentNotConfigured; with no
// WebhookSecret, webhooks do.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	// AccountID targets a connected account.
	AccountID string
	Backends  *stripe.Backends
	// Sessions replaces the client built from APIKey.
	Sessions  StripeSessions
	Logger    StripeLogger
	Clock     func() time.Time
	Tolerance time.Duration
}

// StripeProvider creates Stripe Checkout sessions in payment mode and verifies Stripe webhooks.
type StripeProvider struct {
	sessions      StripeSessions
	webhookSecret string
	tolerance     time.Duration
	account       string
	now           func() time.Time
	log           StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	p := &StripeProvider{
		sessions:      cfg.Sessions,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		tolerance:     cfg.Tolerance,
		account:       strings.TrimSpace(cfg.AccountID),
		now:           cfg.Clock,
		log:           cfg.Logger,
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" && p.sessions == nil {
		p.sessions = client.New(key, cfg.Backends).CheckoutSessions
	}
	if p.sessions == nil && p.webhookSecret == "" {
		return nil, errors.New("stripe: api key or webhook secret is required")
	}
	if p.tolerance <= 0 {
		p.tolerance = webhook.DefaultTolerance
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = func(context.Context, string, map[string]any) {}
	}
	return p, nil
}

// CreateCheckoutSession copies req.Metadata onto both the session and its payment intent so
// checkout and payment intent webhooks can be correlated to the order.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p.sessions == nil {
		return CheckoutSession{}, fmt.Errorf("%w: stripe api key missing", ErrPaymentNotConfigured)
	}

	params := p.sessionParams(req)
	params.Context = ctx
	session, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	out := CheckoutSession{
		ID:          session.ID,
		Provider:    stripeName,
		RedirectURL: session.URL,
		ExpiresAt:   p.now().UTC().Add(stripeDefaultSessionTTL),
	}
	if session.PaymentIntent != nil {
		out.IntentID = session.PaymentIntent.ID
	}
	if session.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	p.log(ctx, "payments.stripe.session.created", map[string]any{
		"session_id":     out.ID,
		"payment_intent": out.IntentID,
		"currency":       string(session.Currency),
	})
	return out, nil
}

func (p *StripeProvider) sessionParams(req CheckoutSessionRequest) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems:         stripeLineItems(req),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{},
	}
	if ref := strings.TrimSpace(req.ClientRef); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = textutil.NormalizeStringMap(req.Metadata)
		params.PaymentIntentData.Metadata = textutil.NormalizeStringMap(req.Metadata)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	return params
}

// stripeLineItems charges req.Amount as a single "Order" line when no items are given.
func stripeLineItems(req CheckoutSessionRequest) []*stripe.CheckoutSessionLineItemParams {
	items := req.Items
	if len(items) == 0 {
		items = []CheckoutLineItem{{Name: "Order", Quantity: 1, Amount: req.Amount}}
	}
	lines := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, item := range items {
		currency := item.Currency
		if strings.TrimSpace(currency) == "" {
			currency = req.Currency
		}
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
		if item.SKU != "" {
			product.Metadata = map[string]string{"sku": item.SKU}
		}
		lines = append(lines, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(currency)),
				UnitAmount:  stripe.Int64(item.Amount),
				ProductData: product,
			},
		})
	}
	return lines
}

// stripeEventKinds maps the Stripe event types that move an order. Everything else is
// acknowledged as EventIgnored.
var stripeEventKinds = map[stripe.EventType]EventKind{
	stripe.EventTypeCheckoutSessionCompleted:             EventCheckoutCompleted,
	stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded: EventCheckoutCompleted,
	stripe.EventTypeCheckoutSessionAsyncPaymentFailed:    EventPaymentFailed,
	stripe.EventTypePaymentIntentPaymentFailed:           EventPaymentFailed,
}

func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookEvent, error) {
	if p.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: stripe webhook secret missing", ErrPaymentNotConfigured)
	}
	signature := strings.TrimSpace(headers.Get(stripeSignatureHeader))
	if signature == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing %s header", ErrWebhookSignatureInvalid, stripeSignatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Provider:   stripeName,
		Kind:       EventIgnored,
		RawType:    string(event.Type),
		OccurredAt: p.now().UTC(),
	}
	if event.Created > 0 {
		out.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if kind, ok := stripeEventKinds[event.Type]; ok && event.Data != nil {
		if err := decodeStripeObject(event, kind, &out); err != nil {
			return WebhookEvent{}, err
		}
	}

	p.log(ctx, "payments.stripe.webhook.verified", map[string]any{
		"event_id": out.ID,
		"type":     out.RawType,
		"kind":     string(out.Kind),
		"order_id": out.OrderID,
	})
	return out, nil
}

func decodeStripeObject(event stripe.Event, kind EventKind, out *WebhookEvent) error {
	if strings.HasPrefix(string(event.Type), "payment_intent.") {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		out.Kind = kind
		out.Metadata = maps.Clone(intent.Metadata)
		out.OrderID = intent.Metadata[MetadataOrderID]
		out.PaymentRef = intent.ID
		return nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	// delayed methods complete the session unpaid; the async_payment event settles it later
	if event.Type == stripe.EventTypeCheckoutSessionCompleted && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil
	}
	out.Kind = kind
	out.Metadata = maps.Clone(session.Metadata)
	out.OrderID = session.Metadata[MetadataOrderID]
	if out.OrderID == "" {
		out.OrderID = session.ClientReferenceID
	}
	out.PaymentRef = session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		out.PaymentRef = session.PaymentIntent.ID
	}
	return nil
}
