package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/platform/config"
	"github.com/hanko-field/store-api/internal/platform/observability"
	"github.com/hanko-field/store-api/internal/repositories"
	"github.com/hanko-field/store-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders           services.OrderService
	Coupons          services.CouponService
	Checkout         services.CheckoutService
	PaymentCallbacks services.PaymentCallbackService
	System           services.SystemService
}

// Dependencies carries the infrastructure built by the caller. Payments and Events are optional:
// without a payment manager checkout is unavailable and webhooks report the provider as not
// configured, and without a publisher order events are only logged.
type Dependencies struct {
	Registry repositories.Registry
	Payments *payments.Manager
	Events   services.OrderEventPublisher
	Logger   *zap.Logger
	Build    services.BuildInfo
	Clock    func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply an in-memory registry.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services
	reg := deps.Registry

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Products:        reg.Products(),
		Coupons:         reg.Coupons(),
		Orders:          reg.Orders(),
		History:         reg.OrderHistory(),
		UnitOfWork:      reg,
		DefaultCurrency: cfg.Store.DefaultCurrency,
		Clock:           deps.Clock,
		Events:          deps.Events,
		Logger:          observability.EventLogger(deps.Logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   deps.Clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	checkoutDeps := services.CheckoutServiceDeps{
		Orders:            reg.Orders(),
		Products:          reg.Products(),
		UnitOfWork:        reg,
		DefaultSuccessURL: cfg.PSP.CheckoutSuccessURL,
		DefaultCancelURL:  cfg.PSP.CheckoutCancelURL,
		Clock:             deps.Clock,
		Logger:            observability.EventLogger(deps.Logger.Named("checkout")),
	}
	callbackDeps := services.PaymentCallbackServiceDeps{
		Orders:     reg.Orders(),
		History:    reg.OrderHistory(),
		UnitOfWork: reg,
		Clock:      deps.Clock,
		Events:     deps.Events,
		Logger:     observability.EventLogger(deps.Logger.Named("payments")),
	}
	// a nil *Manager must not become a non-nil interface value
	if deps.Payments != nil {
		checkoutDeps.Payments = deps.Payments
		callbackDeps.Webhooks = deps.Payments
	}

	if deps.Payments != nil {
		checkoutSvc, err := services.NewCheckoutService(checkoutDeps)
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	callbackSvc, err := services.NewPaymentCallbackService(callbackDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build payment callback service: %w", err)
	}
	svc.PaymentCallbacks = callbackSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            deps.Clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
