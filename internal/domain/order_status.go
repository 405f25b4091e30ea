package domain

import (
	"slices"
	"strings"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was created and awaits payment.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid indicates the payment provider confirmed the checkout.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusFulfilled indicates the order was handed over for shipping.
	OrderStatusFulfilled OrderStatus = "FULFILLED"
	// OrderStatusCancelled indicates the order was cancelled by its owner, an administrator or a failed payment.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded indicates the payment was returned to the customer.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusFulfilled, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusFulfilled: {OrderStatusRefunded},
	OrderStatusCancelled: nil,
	OrderStatusRefunded:  nil,
}

// OrderStatuses lists every known status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPaid,
		OrderStatusFulfilled,
		OrderStatusCancelled,
		OrderStatusRefunded,
	}
}

// ParseOrderStatus normalises raw input into a known status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", false
	}
	return status, true
}

// Valid reports whether the status is part of the lifecycle.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return slices.Contains(orderStatusTransitions[s], next)
}

// AllowedTransitions returns the statuses reachable from s in one step.
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	return slices.Clone(orderStatusTransitions[s])
}

// IsUserCancellable reports whether the order owner may still cancel an order in status s.
func (s OrderStatus) IsUserCancellable() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

// IsTerminal reports whether no further transitions exist from s.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(orderStatusTransitions[s]) == 0
}

func (s OrderStatus) String() string {
	return string(s)
}
