package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/payments"
)

type stubWebhookParser struct {
	parseFn func(ctx context.Context, provider string, payload []byte, headers http.Header) (payments.WebhookEvent, error)
}

func (s stubWebhookParser) ParseWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (payments.WebhookEvent, error) {
	return s.parseFn(ctx, provider, payload, headers)
}

type recordedLog struct {
	event  string
	fields map[string]any
}

func newTestPaymentCallbackService(t *testing.T, store *memoryStore, parser webhookParser, events OrderEventPublisher, logs *[]recordedLog) PaymentCallbackService {
	t.Helper()
	svc, err := NewPaymentCallbackService(PaymentCallbackServiceDeps{
		Orders:      memOrders{store},
		History:     memHistory{store},
		UnitOfWork:  store,
		Webhooks:    parser,
		Clock:       fixedClock,
		IDGenerator: sequentialIDs(),
		Events:      events,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			if logs != nil {
				*logs = append(*logs, recordedLog{event: event, fields: fields})
			}
		},
	})
	if err != nil {
		t.Fatalf("NewPaymentCallbackService: %v", err)
	}
	return svc
}

func putOrder(store *memoryStore, id string, status OrderStatus, paymentRef *string) {
	store.orders[id] = domain.Order{
		ID:              id,
		UserID:          "user-1",
		Status:          status,
		SubtotalCents:   2000,
		TotalCents:      2000,
		Currency:        "USD",
		ItemsCount:      2,
		PaymentIntentID: paymentRef,
		Items: []domain.OrderItem{
			{ID: "oit_1", OrderID: id, ProductID: "prod_a", Quantity: 2, UnitPriceCents: 1000, SubtotalCents: 2000},
		},
		CreatedAt: serviceNow,
		UpdatedAt: serviceNow,
	}
}

func hasLog(logs []recordedLog, event string) bool {
	for _, entry := range logs {
		if entry.event == event {
			return true
		}
	}
	return false
}

func checkoutCompleted(orderID string) payments.WebhookEvent {
	return payments.WebhookEvent{
		ID:         "evt_1",
		Provider:   "stripe",
		Kind:       payments.EventCheckoutCompleted,
		RawType:    "checkout.session.completed",
		OrderID:    orderID,
		PaymentRef: "pi_123",
	}
}

func TestPaymentCallbackCheckoutCompletedIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	store.addProduct("prod_a", 1000, 8)
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)
	events := &captureOrderEvents{}
	var logs []recordedLog
	svc := newTestPaymentCallbackService(t, store, nil, events, &logs)
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, checkoutCompleted("ord_1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := svc.HandleEvent(ctx, checkoutCompleted("ord_1")); err != nil {
		t.Fatalf("HandleEvent duplicate: %v", err)
	}

	order := store.orders["ord_1"]
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected PAID, got %s", order.Status)
	}
	if order.PaymentIntentID == nil || *order.PaymentIntentID != "pi_123" || order.PaymentProvider == nil || *order.PaymentProvider != "stripe" {
		t.Fatalf("expected payment reference recorded, got %+v", order)
	}
	history := store.historyFor("ord_1")
	if len(history) != 1 || history[0].Status != domain.OrderStatusPaid || *history[0].Note != "Payment received" {
		t.Fatalf("expected exactly one PAID history row, got %+v", history)
	}
	if got := events.types(); len(got) != 1 || got[0] != orderEventPaid {
		t.Fatalf("expected a single paid event, got %v", got)
	}
	if !hasLog(logs, "payment.callback.duplicate") {
		t.Fatalf("expected duplicate delivery to be logged")
	}
	if store.stock("prod_a") != 8 {
		t.Fatalf("expected payment not to touch stock")
	}
}

func TestPaymentCallbackCheckoutCompletedKeepsExistingRef(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPending, valuePtr("cs_session"))
	svc := newTestPaymentCallbackService(t, store, nil, nil, nil)

	if err := svc.HandleEvent(context.Background(), checkoutCompleted("ord_1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if ref := store.orders["ord_1"].PaymentIntentID; ref == nil || *ref != "cs_session" {
		t.Fatalf("expected first recorded reference kept, got %v", ref)
	}
}

func TestPaymentCallbackCheckoutCompletedUnknownOrder(t *testing.T) {
	store := newMemoryStore()
	var logs []recordedLog
	svc := newTestPaymentCallbackService(t, store, nil, nil, &logs)

	if err := svc.HandleEvent(context.Background(), checkoutCompleted("ord_missing")); err != nil {
		t.Fatalf("expected unknown order to be acknowledged, got %v", err)
	}
	if err := svc.HandleEvent(context.Background(), checkoutCompleted("")); err != nil {
		t.Fatalf("expected event without order id to be acknowledged, got %v", err)
	}
	if !hasLog(logs, "payment.callback.order_missing") {
		t.Fatalf("expected missing order to be logged")
	}
	if store.orderCount() != 0 {
		t.Fatalf("expected no orders created")
	}
}

func TestPaymentCallbackCheckoutCompletedOnCancelledOrder(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusCancelled, nil)
	events := &captureOrderEvents{}
	var logs []recordedLog
	svc := newTestPaymentCallbackService(t, store, nil, events, &logs)

	if err := svc.HandleEvent(context.Background(), checkoutCompleted("ord_1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if store.orders["ord_1"].Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order left unchanged")
	}
	if !hasLog(logs, "payment.callback.order_cancelled") {
		t.Fatalf("expected payment on cancelled order to be flagged")
	}
	if len(events.types()) != 0 || len(store.historyFor("ord_1")) != 0 {
		t.Fatalf("expected no events or history for cancelled order")
	}
}

func TestPaymentCallbackPaymentFailed(t *testing.T) {
	cases := []struct {
		name  string
		ref   *string
		event payments.WebhookEvent
	}{
		{
			name:  "by payment reference",
			ref:   valuePtr("pi_fail"),
			event: payments.WebhookEvent{ID: "evt_f", Provider: "stripe", Kind: payments.EventPaymentFailed, PaymentRef: "pi_fail"},
		},
		{
			name:  "by order id fallback",
			event: payments.WebhookEvent{ID: "evt_f", Provider: "stripe", Kind: payments.EventPaymentFailed, PaymentRef: "pi_unknown", OrderID: "ord_1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore()
			store.addProduct("prod_a", 1000, 8)
			putOrder(store, "ord_1", domain.OrderStatusPending, tc.ref)
			events := &captureOrderEvents{}
			svc := newTestPaymentCallbackService(t, store, nil, events, nil)

			if err := svc.HandleEvent(context.Background(), tc.event); err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}
			order := store.orders["ord_1"]
			if order.Status != domain.OrderStatusCancelled {
				t.Fatalf("expected CANCELLED, got %s", order.Status)
			}
			history := store.historyFor("ord_1")
			if len(history) != 1 || *history[0].Note != "Payment failed" {
				t.Fatalf("unexpected history %+v", history)
			}
			if store.stock("prod_a") != 8 {
				t.Fatalf("expected stock not restored on payment failure, got %d", store.stock("prod_a"))
			}
			if len(events.events) != 1 || events.events[0].Metadata["reason"] != "payment_failed" {
				t.Fatalf("unexpected events %+v", events.events)
			}
		})
	}
}

func TestPaymentCallbackPaymentFailedAfterPaidIsIgnored(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPaid, valuePtr("pi_1"))
	var logs []recordedLog
	svc := newTestPaymentCallbackService(t, store, nil, nil, &logs)

	err := svc.HandleEvent(context.Background(), payments.WebhookEvent{Kind: payments.EventPaymentFailed, PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if store.orders["ord_1"].Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid order unchanged")
	}
	if !hasLog(logs, "payment.callback.stale_failure") {
		t.Fatalf("expected stale failure to be logged")
	}

	if err := svc.HandleEvent(context.Background(), payments.WebhookEvent{Kind: payments.EventPaymentFailed, PaymentRef: "pi_none"}); err != nil {
		t.Fatalf("expected unknown reference acknowledged, got %v", err)
	}
	if !hasLog(logs, "payment.callback.order_missing") {
		t.Fatalf("expected unknown reference to be logged")
	}
}

func TestPaymentCallbackIgnoresOtherEvents(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)
	var logs []recordedLog
	svc := newTestPaymentCallbackService(t, store, nil, nil, &logs)

	if err := svc.HandleEvent(context.Background(), payments.WebhookEvent{Kind: payments.EventIgnored, RawType: "charge.refunded", OrderID: "ord_1"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if store.orders["ord_1"].Status != domain.OrderStatusPending || store.txCount != 0 {
		t.Fatalf("expected ignored event to leave the order untouched")
	}
	if !hasLog(logs, "payment.callback.ignored") {
		t.Fatalf("expected ignored event to be logged")
	}
}

func TestPaymentCallbackHandleWebhook(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)

	unconfigured := newTestPaymentCallbackService(t, store, nil, nil, nil)
	if _, err := unconfigured.HandleWebhook(context.Background(), PaymentWebhookCommand{Provider: "stripe"}); !errors.Is(err, payments.ErrPaymentNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}

	rejecting := stubWebhookParser{parseFn: func(context.Context, string, []byte, http.Header) (payments.WebhookEvent, error) {
		return payments.WebhookEvent{}, payments.ErrWebhookSignatureInvalid
	}}
	svc := newTestPaymentCallbackService(t, store, rejecting, nil, nil)
	if _, err := svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Provider: "stripe", Payload: []byte("{}")}); !errors.Is(err, payments.ErrWebhookSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if store.orders["ord_1"].Status != domain.OrderStatusPending {
		t.Fatalf("expected rejected delivery to leave order untouched")
	}

	var gotProvider string
	accepting := stubWebhookParser{parseFn: func(_ context.Context, provider string, payload []byte, headers http.Header) (payments.WebhookEvent, error) {
		gotProvider = provider
		if headers.Get("Stripe-Signature") != "sig" || string(payload) != "{}" {
			t.Fatalf("unexpected payload or headers")
		}
		return checkoutCompleted("ord_1"), nil
	}}
	svc = newTestPaymentCallbackService(t, store, accepting, nil, nil)
	event, err := svc.HandleWebhook(context.Background(), PaymentWebhookCommand{
		Provider: "stripe",
		Payload:  []byte("{}"),
		Headers:  http.Header{"Stripe-Signature": []string{"sig"}},
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if gotProvider != "stripe" || event.Kind != payments.EventCheckoutCompleted {
		t.Fatalf("unexpected event %+v", event)
	}
	if store.orders["ord_1"].Status != domain.OrderStatusPaid {
		t.Fatalf("expected order paid")
	}
}
