package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const testWebhookSecret = "whsec_test_secret"

type stubSessionAPI struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	return s.session, s.err
}

func signedHeaders(t *testing.T, payload []byte, secret string) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})
	headers := http.Header{}
	headers.Set("Stripe-Signature", signed.Header)
	return headers
}

func newTestStripeProvider(t *testing.T, sessions StripeSessions) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: testWebhookSecret,
		Sessions:      sessions,
		Clock: func() time.Time {
			return time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestStripeProviderParseCheckoutCompleted(t *testing.T) {
	provider := newTestStripeProvider(t, nil)
	payload := []byte(`{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1717232400,
  "api_version": "` + stripe.APIVersion + `",
  "data": {"object": {"id": "cs_1", "object": "checkout.session", "payment_intent": "pi_1", "metadata": {"order_id": "ord_1", "user_id": "user-1"}}}
}`)

	event, err := provider.ParseWebhook(context.Background(), payload, signedHeaders(t, payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.Kind != EventCheckoutCompleted {
		t.Fatalf("expected checkout completed, got %s", event.Kind)
	}
	if event.OrderID != "ord_1" || event.PaymentRef != "pi_1" {
		t.Fatalf("unexpected correlation ids %+v", event)
	}
	if event.Metadata[MetadataUserID] != "user-1" {
		t.Fatalf("expected metadata to be copied, got %+v", event.Metadata)
	}
	if !event.OccurredAt.Equal(time.Unix(1717232400, 0)) {
		t.Fatalf("unexpected occurredAt %s", event.OccurredAt)
	}
}

func TestStripeProviderParsePaymentFailed(t *testing.T) {
	provider := newTestStripeProvider(t, nil)
	payload := []byte(`{
  "id": "evt_2",
  "object": "event",
  "type": "payment_intent.payment_failed",
  "data": {"object": {"id": "pi_9", "object": "payment_intent", "metadata": {"order_id": "ord_9"}}}
}`)

	event, err := provider.ParseWebhook(context.Background(), payload, signedHeaders(t, payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.Kind != EventPaymentFailed || event.PaymentRef != "pi_9" || event.OrderID != "ord_9" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestStripeProviderIgnoresOtherEvents(t *testing.T) {
	provider := newTestStripeProvider(t, nil)
	payload := []byte(`{"id": "evt_3", "object": "event", "type": "customer.created", "data": {"object": {"id": "cus_1"}}}`)

	event, err := provider.ParseWebhook(context.Background(), payload, signedHeaders(t, payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.Kind != EventIgnored || event.RawType != "customer.created" {
		t.Fatalf("expected ignored event, got %+v", event)
	}
}

func TestStripeProviderRejectsBadSignatures(t *testing.T) {
	provider := newTestStripeProvider(t, nil)
	payload := []byte(`{"id": "evt_4", "object": "event", "type": "checkout.session.completed", "data": {"object": {}}}`)

	if _, err := provider.ParseWebhook(context.Background(), payload, http.Header{}); !errors.Is(err, ErrWebhookSignatureInvalid) {
		t.Fatalf("expected signature error for missing header, got %v", err)
	}
	headers := signedHeaders(t, payload, "whsec_other")
	if _, err := provider.ParseWebhook(context.Background(), payload, headers); !errors.Is(err, ErrWebhookSignatureInvalid) {
		t.Fatalf("expected signature error for wrong secret, got %v", err)
	}
}

func TestStripeProviderRequiresConfiguration(t *testing.T) {
	checkoutOnly, err := NewStripeProvider(StripeProviderConfig{Sessions: &stubSessionAPI{}})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	if _, err := checkoutOnly.ParseWebhook(context.Background(), []byte(`{}`), http.Header{}); !errors.Is(err, ErrPaymentNotConfigured) {
		t.Fatalf("expected not configured for webhook, got %v", err)
	}

	webhookOnly, err := NewStripeProvider(StripeProviderConfig{WebhookSecret: testWebhookSecret})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	if _, err := webhookOnly.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{}); !errors.Is(err, ErrPaymentNotConfigured) {
		t.Fatalf("expected not configured for checkout, got %v", err)
	}

	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error without any credentials")
	}
}

func TestStripeProviderAsyncCheckout(t *testing.T) {
	provider := newTestStripeProvider(t, nil)
	session := `{"id": "cs_7", "object": "checkout.session", "payment_status": "%s", "client_reference_id": "ord_7", "payment_intent": "pi_7"}`
	cases := []struct {
		eventType string
		status    string
		want      EventKind
	}{
		{"checkout.session.completed", "unpaid", EventIgnored},
		{"checkout.session.completed", "paid", EventCheckoutCompleted},
		{"checkout.session.async_payment_succeeded", "paid", EventCheckoutCompleted},
		{"checkout.session.async_payment_failed", "unpaid", EventPaymentFailed},
		{"checkout.session.expired", "unpaid", EventIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.eventType+"/"+tc.status, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(`{"id": "evt_7", "object": "event", "type": %q, "data": {"object": `+session+`}}`, tc.eventType, tc.status))
			event, err := provider.ParseWebhook(context.Background(), payload, signedHeaders(t, payload, testWebhookSecret))
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if event.Kind != tc.want {
				t.Fatalf("kind %s, want %s", event.Kind, tc.want)
			}
			if tc.want != EventIgnored && (event.OrderID != "ord_7" || event.PaymentRef != "pi_7") {
				t.Fatalf("client reference should identify the order: %+v", event)
			}
		})
	}
}

func TestStripeProviderCreateCheckoutSession(t *testing.T) {
	api := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:            "cs_1",
		URL:           "https://checkout.stripe.test/cs_1",
		ExpiresAt:     1717236000,
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
	}}
	provider := newTestStripeProvider(t, api)

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Currency:       "USD",
		SuccessURL:     "https://shop.test/success",
		CancelURL:      "https://shop.test/cancel",
		ClientRef:      "ord_1",
		IdempotencyKey: "checkout:ord_1",
		Metadata:       map[string]string{MetadataOrderID: "ord_1"},
		Items:          []CheckoutLineItem{{Name: "Mug", SKU: "prod_1", Quantity: 2, Amount: 1000}},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.ID != "cs_1" || session.IntentID != "pi_1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.ExpiresAt.Equal(time.Unix(1717236000, 0)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}

	params := api.params
	if params == nil {
		t.Fatalf("expected params to be captured")
	}
	if got := params.PaymentIntentData.Metadata[MetadataOrderID]; got != "ord_1" {
		t.Fatalf("expected payment intent metadata order id, got %q", got)
	}
	if got := stripe.StringValue(params.ClientReferenceID); got != "ord_1" {
		t.Fatalf("expected client reference, got %q", got)
	}
	if len(params.LineItems) != 1 || stripe.StringValue(params.LineItems[0].PriceData.Currency) != "usd" {
		t.Fatalf("unexpected line items %+v", params.LineItems)
	}
}
