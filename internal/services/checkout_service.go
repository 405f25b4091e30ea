package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/repositories"
)

// checkoutAttemptWindow bounds how long identical checkout requests reuse one provider session.
const checkoutAttemptWindow = time.Hour

var (
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutPaymentFailed indicates the PSP session could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders            repositories.OrderRepository
	Products          repositories.ProductRepository
	UnitOfWork        repositories.UnitOfWork
	Payments          checkoutSessionManager
	DefaultSuccessURL string
	DefaultCancelURL  string
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	payments   checkoutSessionManager
	successURL string
	cancelURL  string
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("checkout service: product repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:     deps.Orders,
		products:   deps.Products,
		unitOfWork: unit,
		payments:   deps.Payments,
		successURL: strings.TrimSpace(deps.DefaultSuccessURL),
		cancelURL:  strings.TrimSpace(deps.DefaultCancelURL),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// StartCheckout creates a hosted payment session for the owner's pending order and records the
// provider on the order. The order id travels in the session metadata so payment callbacks can
// find the order again.
func (s *checkoutService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error) {
	if s == nil || s.orders == nil || s.payments == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	userID := strings.TrimSpace(cmd.Requester.UserID)
	if orderID == "" || userID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: order id and requester are required", ErrOrderInvalidInput)
	}
	successURL := firstNonEmpty(cmd.SuccessURL, s.successURL)
	cancelURL := firstNonEmpty(cmd.CancelURL, s.cancelURL)
	if successURL == "" || cancelURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: success and cancel urls are required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID, false)
	if err != nil {
		return CheckoutSession{}, mapOrderRepositoryError(err)
	}
	if order.UserID != userID {
		return CheckoutSession{}, fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, order.ID)
	}
	if order.Status != domain.OrderStatusPending {
		return CheckoutSession{}, fmt.Errorf("%w: order %s is %s; only %s orders can be paid", ErrOrderInvalidTransition, order.ID, order.Status, domain.OrderStatusPending)
	}

	req := payments.CheckoutSessionRequest{
		Amount:         order.TotalCents,
		Currency:       order.Currency,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		ClientRef:      order.ID,
		IdempotencyKey: s.attemptKey(order.ID, cmd.IdempotencyKey, cmd.Provider, successURL, cancelURL),
		Metadata: map[string]string{
			payments.MetadataOrderID: order.ID,
			payments.MetadataUserID:  order.UserID,
		},
	}
	// discounted totals cannot be split across items, so charge them as one line
	if order.DiscountCents == 0 {
		items, err := s.checkoutLineItems(ctx, order)
		if err != nil {
			return CheckoutSession{}, err
		}
		req.Items = items
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          order.Currency,
	}, req)
	if err != nil {
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		if errors.Is(err, payments.ErrPaymentNotConfigured) || errors.Is(err, payments.ErrUnsupportedProvider) {
			return CheckoutSession{}, err
		}
		return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, order.ID, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if current.Status != domain.OrderStatusPending {
			return nil
		}
		current.PaymentProvider = optionalString(session.Provider)
		if current.PaymentIntentID == nil {
			current.PaymentIntentID = optionalString(session.IntentID)
		}
		current.UpdatedAt = s.now()
		return mapOrderRepositoryError(s.orders.Update(txCtx, current))
	})
	if err != nil {
		return CheckoutSession{}, err
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"orderId":   order.ID,
		"sessionId": session.ID,
		"provider":  session.Provider,
	})

	return CheckoutSession{
		ID:          session.ID,
		OrderID:     order.ID,
		Provider:    session.Provider,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// attemptKey derives the provider idempotency key for one checkout attempt. A caller-supplied key
// identifies the attempt on its own; without one, requests with the same provider and redirect URLs
// share a key until the current checkoutAttemptWindow ends.
func (s *checkoutService) attemptKey(orderID, callerKey, provider, successURL, cancelURL string) string {
	if key := strings.TrimSpace(callerKey); key != "" {
		sum := sha256.Sum256([]byte(key))
		return fmt.Sprintf("checkout:%s:%x", orderID, sum[:12])
	}
	sum := sha256.Sum256([]byte(provider + "\n" + successURL + "\n" + cancelURL))
	return fmt.Sprintf("checkout:%s:%x:%d", orderID, sum[:8], s.now().Truncate(checkoutAttemptWindow).Unix())
}

func (s *checkoutService) checkoutLineItems(ctx context.Context, order Order) ([]payments.CheckoutLineItem, error) {
	items := make([]payments.CheckoutLineItem, 0, len(order.Items))
	for _, item := range order.Items {
		name := item.ProductID
		product, err := s.products.FindByID(ctx, item.ProductID)
		switch {
		case err == nil:
			name = firstNonEmpty(product.Name, name)
		case !isRepositoryNotFound(err):
			return nil, mapOrderRepositoryError(err)
		}
		items = append(items, payments.CheckoutLineItem{
			Name:     name,
			SKU:      item.ProductID,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPriceCents,
			Currency: order.Currency,
		})
	}
	return items, nil
}

func (s *checkoutService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
