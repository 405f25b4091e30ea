package di

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/platform/config"
	"github.com/hanko-field/store-api/internal/repositories"
	"github.com/hanko-field/store-api/internal/services"
)

type stubRegistry struct {
	closed bool
}

type stubProducts struct{ repositories.ProductRepository }
type stubCoupons struct{ repositories.CouponRepository }
type stubOrders struct{ repositories.OrderRepository }
type stubHistory struct{ repositories.OrderHistoryRepository }

func (r *stubRegistry) Products() repositories.ProductRepository          { return stubProducts{} }
func (r *stubRegistry) Coupons() repositories.CouponRepository            { return stubCoupons{} }
func (r *stubRegistry) Orders() repositories.OrderRepository              { return stubOrders{} }
func (r *stubRegistry) OrderHistory() repositories.OrderHistoryRepository { return stubHistory{} }
func (r *stubRegistry) Health() repositories.HealthRepository             { return nil }
func (r *stubRegistry) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
func (r *stubRegistry) Close(context.Context) error {
	r.closed = true
	return nil
}

func testConfig() config.Config {
	return config.Config{Store: config.StoreConfig{DefaultCurrency: "USD"}}
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(), Dependencies{}); err == nil {
		t.Fatal("expected error without registry")
	}
}

func TestNewContainerWithoutPayments(t *testing.T) {
	reg := &stubRegistry{}
	container, err := NewContainer(context.Background(), testConfig(), Dependencies{
		Registry: reg,
		Logger:   zap.NewNop(),
		Clock:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	svc := container.Services
	if svc.Orders == nil || svc.Coupons == nil || svc.PaymentCallbacks == nil {
		t.Fatalf("expected core services wired, got %+v", svc)
	}
	if svc.Checkout != nil {
		t.Fatalf("expected checkout disabled without a payment manager")
	}
	if svc.System != nil {
		t.Fatalf("expected no system service without a health repository")
	}

	if _, err := svc.PaymentCallbacks.HandleWebhook(context.Background(), servicesWebhook()); err == nil {
		t.Fatal("expected webhook handling to report missing payment configuration")
	}

	if err := container.Close(context.Background()); err != nil || !reg.closed {
		t.Fatalf("expected registry closed, err=%v", err)
	}
}

func TestNewContainerWithPayments(t *testing.T) {
	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	container, err := NewContainer(context.Background(), testConfig(), Dependencies{
		Registry: &stubRegistry{},
		Payments: manager,
	})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if container.Services.Checkout == nil {
		t.Fatal("expected checkout service with a payment manager")
	}
}

func servicesWebhook() services.PaymentWebhookCommand {
	return services.PaymentWebhookCommand{Provider: "stripe", Payload: []byte(`{}`)}
}
