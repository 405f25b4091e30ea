package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/payments"
)

type stubCheckoutPayments struct {
	createFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	calls    int
}

func (s *stubCheckoutPayments) CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.calls++
	return s.createFn(ctx, paymentCtx, req)
}

func newTestCheckoutService(t *testing.T, store *memoryStore, pay *stubCheckoutPayments) CheckoutService {
	t.Helper()
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:            memOrders{store},
		Products:          memProducts{store},
		UnitOfWork:        store,
		Payments:          pay,
		DefaultSuccessURL: "https://shop.example/success",
		DefaultCancelURL:  "https://shop.example/cancel",
		Clock:             fixedClock,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func TestCheckoutServiceStartCheckout(t *testing.T) {
	store := newMemoryStore()
	store.addProduct("prod_a", 1000, 8)
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)

	var gotReq payments.CheckoutSessionRequest
	var gotCtx payments.PaymentContext
	pay := &stubCheckoutPayments{createFn: func(_ context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		gotCtx, gotReq = paymentCtx, req
		return payments.CheckoutSession{
			ID:          "cs_1",
			Provider:    "stripe",
			RedirectURL: "https://checkout.stripe.test/cs_1",
			IntentID:    "pi_1",
			ExpiresAt:   serviceNow.Add(30 * time.Minute),
		}, nil
	}}
	svc := newTestCheckoutService(t, store, pay)

	session, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{
		OrderID:   "ord_1",
		Requester: Requester{UserID: "user-1"},
		Provider:  "stripe",
	})
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	if session.ID != "cs_1" || session.OrderID != "ord_1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	if gotCtx.PreferredProvider != "stripe" || gotCtx.Currency != "USD" {
		t.Fatalf("unexpected payment context %+v", gotCtx)
	}
	if gotReq.Amount != 2000 || gotReq.ClientRef != "ord_1" || !strings.HasPrefix(gotReq.IdempotencyKey, "checkout:ord_1:") {
		t.Fatalf("unexpected request %+v", gotReq)
	}
	if gotReq.Metadata[payments.MetadataOrderID] != "ord_1" || gotReq.Metadata[payments.MetadataUserID] != "user-1" {
		t.Fatalf("expected order metadata, got %v", gotReq.Metadata)
	}
	if gotReq.SuccessURL != "https://shop.example/success" || gotReq.CancelURL != "https://shop.example/cancel" {
		t.Fatalf("expected default redirect urls, got %s %s", gotReq.SuccessURL, gotReq.CancelURL)
	}
	if len(gotReq.Items) != 1 || gotReq.Items[0].Name != "Product prod_a" || gotReq.Items[0].Quantity != 2 || gotReq.Items[0].Amount != 1000 {
		t.Fatalf("unexpected line items %+v", gotReq.Items)
	}

	order := store.orders["ord_1"]
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected checkout to leave the order pending, got %s", order.Status)
	}
	if order.PaymentProvider == nil || *order.PaymentProvider != "stripe" || order.PaymentIntentID == nil || *order.PaymentIntentID != "pi_1" {
		t.Fatalf("expected payment reference recorded, got %+v", order)
	}
}

func TestCheckoutServiceIdempotencyKeyPerAttempt(t *testing.T) {
	store := newMemoryStore()
	store.addProduct("prod_a", 1000, 8)
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)

	var keys []string
	pay := &stubCheckoutPayments{createFn: func(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		keys = append(keys, req.IdempotencyKey)
		return payments.CheckoutSession{ID: "cs", Provider: "stripe"}, nil
	}}
	now := serviceNow
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:            memOrders{store},
		Products:          memProducts{store},
		UnitOfWork:        store,
		Payments:          pay,
		DefaultSuccessURL: "https://shop.example/success",
		DefaultCancelURL:  "https://shop.example/cancel",
		Clock:             func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	start := func(cmd StartCheckoutCommand) string {
		t.Helper()
		cmd.OrderID, cmd.Requester = "ord_1", Requester{UserID: "user-1"}
		if _, err := svc.StartCheckout(context.Background(), cmd); err != nil {
			t.Fatalf("StartCheckout: %v", err)
		}
		return keys[len(keys)-1]
	}

	base := start(StartCheckoutCommand{})
	now = now.Add(10 * time.Minute)
	if retry := start(StartCheckoutCommand{}); retry != base {
		t.Fatalf("expected an identical retry to reuse %q, got %q", base, retry)
	}
	if other := start(StartCheckoutCommand{SuccessURL: "https://shop.example/thanks"}); other == base {
		t.Fatalf("expected new redirect urls to use a new key")
	}
	now = now.Add(checkoutAttemptWindow)
	if later := start(StartCheckoutCommand{}); later == base {
		t.Fatalf("expected a later attempt to use a new key")
	}

	first := start(StartCheckoutCommand{IdempotencyKey: "attempt-1"})
	if again := start(StartCheckoutCommand{IdempotencyKey: "attempt-1"}); again != first {
		t.Fatalf("expected the caller key to pin the attempt, got %q and %q", first, again)
	}
	if second := start(StartCheckoutCommand{IdempotencyKey: "attempt-2"}); second == first {
		t.Fatalf("expected distinct caller keys to give distinct attempts")
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "checkout:ord_1:") || len(key) > 255 {
			t.Fatalf("unexpected key %q", key)
		}
	}
}

func TestCheckoutServiceDiscountedOrderIsSingleCharge(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)
	order := store.orders["ord_1"]
	order.DiscountCents = 500
	order.TotalCents = 1500
	store.orders["ord_1"] = order

	var gotReq payments.CheckoutSessionRequest
	pay := &stubCheckoutPayments{createFn: func(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		gotReq = req
		return payments.CheckoutSession{ID: "cs_1", Provider: "stripe"}, nil
	}}
	svc := newTestCheckoutService(t, store, pay)

	if _, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{OrderID: "ord_1", Requester: Requester{UserID: "user-1"}}); err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	if gotReq.Amount != 1500 || len(gotReq.Items) != 0 {
		t.Fatalf("expected discounted total without line items, got %+v", gotReq)
	}
}

func TestCheckoutServiceStartCheckoutRejections(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)
	putOrder(store, "ord_paid", domain.OrderStatusPaid, nil)
	pay := &stubCheckoutPayments{createFn: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		return payments.CheckoutSession{}, nil
	}}
	svc := newTestCheckoutService(t, store, pay)

	cases := []struct {
		name string
		cmd  StartCheckoutCommand
		want error
	}{
		{name: "missing order id", cmd: StartCheckoutCommand{Requester: Requester{UserID: "user-1"}}, want: ErrOrderInvalidInput},
		{name: "unknown order", cmd: StartCheckoutCommand{OrderID: "ord_none", Requester: Requester{UserID: "user-1"}}, want: ErrOrderNotFound},
		{name: "other user", cmd: StartCheckoutCommand{OrderID: "ord_1", Requester: Requester{UserID: "user-2"}}, want: ErrForbidden},
		{name: "already paid", cmd: StartCheckoutCommand{OrderID: "ord_paid", Requester: Requester{UserID: "user-1"}}, want: ErrOrderInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.StartCheckout(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if pay.calls != 0 {
		t.Fatalf("expected no payment sessions for rejected requests, got %d", pay.calls)
	}
}

func TestCheckoutServiceProviderFailures(t *testing.T) {
	store := newMemoryStore()
	putOrder(store, "ord_1", domain.OrderStatusPending, nil)

	cases := []struct {
		name    string
		err     error
		want    error
		wrapped bool
	}{
		{name: "not configured", err: payments.ErrPaymentNotConfigured, want: payments.ErrPaymentNotConfigured},
		{name: "unsupported provider", err: payments.ErrUnsupportedProvider, want: payments.ErrUnsupportedProvider},
		{name: "provider error", err: errors.New("stripe: card_declined"), want: ErrCheckoutPaymentFailed, wrapped: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pay := &stubCheckoutPayments{createFn: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
				return payments.CheckoutSession{}, tc.err
			}}
			svc := newTestCheckoutService(t, store, pay)
			_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{OrderID: "ord_1", Requester: Requester{UserID: "user-1"}})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.wrapped && !errors.Is(err, tc.err) {
				t.Fatalf("expected provider error to stay in the chain, got %v", err)
			}
			if store.orders["ord_1"].PaymentProvider != nil {
				t.Fatalf("expected order untouched after provider failure")
			}
		})
	}
}
