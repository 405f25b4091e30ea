package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	OrderHistory() OrderHistoryRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one relational transaction. Repositories invoked with the
// context passed to fn participate in the transaction; nested calls reuse the outer transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository is the stock ledger. Locking and stock mutation are only valid inside RunInTx.
type ProductRepository interface {
	// LockActiveByIDs returns the active products among ids, holding a row lock on each until the
	// surrounding transaction ends. Missing or inactive ids are simply absent from the result.
	LockActiveByIDs(ctx context.Context, ids []string) ([]domain.Product, error)
	// AdjustStock adds delta to the product stock. A change that would drive stock negative must
	// return a RepositoryError reporting IsConflict.
	AdjustStock(ctx context.Context, productID string, delta int) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// CouponRepository reads coupons and tracks their usage.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	// LockByCode reads the coupon and holds a row lock on it for the rest of the transaction.
	LockByCode(ctx context.Context, code string) (domain.Coupon, error)
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, couponID string) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	CreatedAt  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// OrderRepository persists orders and their immutable line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update persists the mutable order header fields (status, payment and fulfillment fields).
	Update(ctx context.Context, order domain.Order) error
	// FindByID loads an order with its items. When lock is true the order row stays locked until the
	// surrounding transaction ends.
	FindByID(ctx context.Context, orderID string, lock bool) (domain.Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string, lock bool) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.OffsetPage[domain.Order], error)
}

// OrderHistoryRepository is the append-only status audit log.
type OrderHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderStatusHistory) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
	// ListByOrders groups the rows of every given order by order id, oldest first.
	ListByOrders(ctx context.Context, orderIDs []string) (map[string][]domain.OrderStatusHistory, error)
}

// HealthRepository aggregates dependency probes for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
