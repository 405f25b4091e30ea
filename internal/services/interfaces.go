package services

import (
	"context"
	"net/http"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Product            = domain.Product
	Coupon             = domain.Coupon
	DiscountType       = domain.DiscountType
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	OrderStatusHistory = domain.OrderStatusHistory
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns order creation and every subsequent order status change.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (domain.OffsetPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// CouponService previews coupon discounts with the same evaluation used at order time.
type CouponService interface {
	ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error)
}

// CheckoutService starts a hosted payment flow for a pending order.
type CheckoutService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error)
}

// PaymentCallbackService applies asynchronous payment provider notifications to orders.
type PaymentCallbackService interface {
	HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) (payments.WebhookEvent, error)
	HandleEvent(ctx context.Context, event payments.WebhookEvent) error
}

// SystemService exposes health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Requester identifies the caller an order operation acts for.
type Requester struct {
	UserID string
	Admin  bool
}

// OrderLineInput is one requested (product, quantity) pair.
type OrderLineInput struct {
	ProductID string
	Quantity  int
}

type CreateOrderCommand struct {
	UserID     string
	Items      []OrderLineInput
	CouponCode *string
	Currency   *string
}

type GetOrderQuery struct {
	OrderID   string
	Requester Requester
}

// ListOrdersQuery lists the requester's orders, or every order when All is set by an admin.
type ListOrdersQuery struct {
	Requester   Requester
	All         bool
	Statuses    []OrderStatus
	From        *time.Time
	To          *time.Time
	Pagination  Pagination
	// WithHistory attaches each order's status history.
	WithHistory bool
}

type UpdateOrderStatusCommand struct {
	OrderID        string
	Status         OrderStatus
	Note           *string
	TrackingNumber *string
	MarkDelivered  bool
	ActorID        string
}

type CancelOrderCommand struct {
	OrderID   string
	Requester Requester
}

type ValidateCouponCommand struct {
	Code       string
	TotalCents int64
}

// CouponValidationResult mirrors the outcome a buyer would get when ordering with the coupon.
type CouponValidationResult struct {
	Valid           bool
	DiscountCents   int64
	FinalTotalCents int64
	Coupon          Coupon
}

type StartCheckoutCommand struct {
	OrderID        string
	Requester      Requester
	Provider       string
	SuccessURL     string
	CancelURL      string
	// IdempotencyKey is the caller's key for this attempt, if it sent one.
	IdempotencyKey string
}

// CheckoutSession is the hosted payment session handed back to the buyer.
type CheckoutSession struct {
	ID          string
	OrderID     string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
}

type PaymentWebhookCommand struct {
	Provider string
	Payload  []byte
	Headers  http.Header
}
