package domain

import (
	"time"
)

// Pagination defines limit/offset paging inputs for list operations.
type Pagination struct {
	Limit  int
	Offset int
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Product is the catalog row the order engine reads prices from and whose stock it mutates.
type Product struct {
	ID         string
	Name       string
	PriceCents int64
	Stock      int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DiscountType enumerates how a coupon reduces the purchase total.
type DiscountType string

const (
	// DiscountTypePercentage discounts a percentage (1-100) of the purchase total.
	DiscountTypePercentage DiscountType = "PERCENTAGE"
	// DiscountTypeFixedAmount discounts a fixed amount in minor currency units.
	DiscountTypeFixedAmount DiscountType = "FIXED_AMOUNT"
)

// Coupon describes an administrator managed discount code.
// Nil MinPurchase, MaxDiscount and UsageLimit mean "no constraint"; zero values are real constraints.
type Coupon struct {
	ID            string
	Code          string
	DiscountType  DiscountType
	DiscountValue int64
	MinPurchase   *int64
	MaxDiscount   *int64
	UsageLimit    *int
	UsageCount    int
	ValidFrom     time.Time
	ValidUntil    time.Time
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Order is the durable purchase record. Orders are never deleted; cancellation is a status.
type Order struct {
	ID              string
	UserID          string
	Status          OrderStatus
	SubtotalCents   int64
	DiscountCents   int64
	TotalCents      int64
	Currency        string
	ItemsCount      int
	CouponID        *string
	PaymentProvider *string
	PaymentIntentID *string
	TrackingNumber  *string
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Items   []OrderItem
	Coupon  *Coupon
	History []OrderStatusHistory
}

// OrderItem snapshots the product price at order time. Immutable after creation.
type OrderItem struct {
	ID             string
	OrderID        string
	ProductID      string
	Quantity       int
	UnitPriceCents int64
	SubtotalCents  int64
	CreatedAt      time.Time
}

// OrderStatusHistory is one append-only audit row per status change.
type OrderStatusHistory struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	Note      *string
	ActorID   *string
	CreatedAt time.Time
}

// OffsetPage packages list results with total counts for limit/offset pagination.
type OffsetPage[T any] struct {
	Items   []T
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
