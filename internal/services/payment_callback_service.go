package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/repositories"
)

// webhookParser abstracts payments.Manager for easier testing.
type webhookParser interface {
	ParseWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (payments.WebhookEvent, error)
}

// PaymentCallbackServiceDeps bundles collaborators required by the payment callback service.
type PaymentCallbackServiceDeps struct {
	Orders      repositories.OrderRepository
	History     repositories.OrderHistoryRepository
	UnitOfWork  repositories.UnitOfWork
	Webhooks    webhookParser
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentCallbackService struct {
	orders     repositories.OrderRepository
	history    repositories.OrderHistoryRepository
	unitOfWork repositories.UnitOfWork
	webhooks   webhookParser
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

var _ PaymentCallbackService = (*paymentCallbackService)(nil)

// NewPaymentCallbackService constructs the service applying provider notifications to orders.
func NewPaymentCallbackService(deps PaymentCallbackServiceDeps) (PaymentCallbackService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment callback service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("payment callback service: order history repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentCallbackService{
		orders:     deps.Orders,
		history:    deps.History,
		unitOfWork: unit,
		webhooks:   deps.Webhooks,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// HandleWebhook verifies a raw provider delivery and applies it. Signature and configuration
// failures are returned untouched so the caller can reject the delivery.
func (s *paymentCallbackService) HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) (payments.WebhookEvent, error) {
	if s.webhooks == nil {
		return payments.WebhookEvent{}, payments.ErrPaymentNotConfigured
	}
	event, err := s.webhooks.ParseWebhook(ctx, cmd.Provider, cmd.Payload, cmd.Headers)
	if err != nil {
		return payments.WebhookEvent{}, err
	}
	return event, s.HandleEvent(ctx, event)
}

// HandleEvent applies a verified event. It is safe to call repeatedly with the same event: orders
// that already reflect it are left untouched. Events for unknown orders are logged and acknowledged.
func (s *paymentCallbackService) HandleEvent(ctx context.Context, event payments.WebhookEvent) error {
	switch event.Kind {
	case payments.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case payments.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	default:
		s.logger(ctx, "payment.callback.ignored", map[string]any{
			"eventId":  event.ID,
			"type":     event.RawType,
			"provider": event.Provider,
		})
		return nil
	}
}

func (s *paymentCallbackService) handleCheckoutCompleted(ctx context.Context, event payments.WebhookEvent) error {
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		s.logOrderMissing(ctx, event, "event carries no order id")
		return nil
	}

	var (
		order   Order
		missing bool
		changed bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		missing, changed = false, false
		current, err := s.orders.FindByID(txCtx, orderID, true)
		if err != nil {
			if isRepositoryNotFound(err) {
				missing = true
				return nil
			}
			return mapOrderRepositoryError(err)
		}
		order = current
		if current.Status != domain.OrderStatusPending {
			return nil
		}

		now := s.clock()
		recordPaymentRef(&current, event)
		current.Status = domain.OrderStatusPaid
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.history.Append(txCtx, s.newHistoryEntry(current.ID, domain.OrderStatusPaid, historyNotePaymentReceived, now)); err != nil {
			return mapOrderRepositoryError(err)
		}
		order = current
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case missing:
		s.logOrderMissing(ctx, event, "order not found")
	case changed:
		s.logger(ctx, "payment.callback.order_paid", map[string]any{
			"orderId":    order.ID,
			"paymentRef": event.PaymentRef,
			"provider":   event.Provider,
		})
		publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
			Type:           orderEventPaid,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(domain.OrderStatusPending),
			CurrentStatus:  string(order.Status),
			TotalCents:     order.TotalCents,
			Currency:       order.Currency,
			OccurredAt:     order.UpdatedAt,
			Metadata:       map[string]any{"provider": event.Provider, "eventId": event.ID},
		})
	case order.Status == domain.OrderStatusCancelled:
		// the payment succeeded after the order was cancelled; an operator has to refund it
		s.logger(ctx, "payment.callback.order_cancelled", map[string]any{
			"orderId":    order.ID,
			"paymentRef": event.PaymentRef,
			"provider":   event.Provider,
		})
	default:
		s.logger(ctx, "payment.callback.duplicate", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"eventId": event.ID,
		})
	}
	return nil
}

// handlePaymentFailed cancels a still pending order. Stock is not returned on this path.
func (s *paymentCallbackService) handlePaymentFailed(ctx context.Context, event payments.WebhookEvent) error {
	ref := strings.TrimSpace(event.PaymentRef)
	orderID := strings.TrimSpace(event.OrderID)
	if ref == "" && orderID == "" {
		s.logOrderMissing(ctx, event, "event carries no payment reference or order id")
		return nil
	}

	var (
		order    Order
		missing  bool
		changed  bool
		previous OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		missing, changed = false, false
		current, found, err := s.locateFailedOrder(txCtx, ref, orderID)
		if err != nil {
			return err
		}
		if !found {
			missing = true
			return nil
		}
		order = current
		previous = current.Status
		if current.Status != domain.OrderStatusPending {
			return nil
		}

		now := s.clock()
		recordPaymentRef(&current, event)
		current.Status = domain.OrderStatusCancelled
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.history.Append(txCtx, s.newHistoryEntry(current.ID, domain.OrderStatusCancelled, historyNotePaymentFailed, now)); err != nil {
			return mapOrderRepositoryError(err)
		}
		order = current
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case missing:
		s.logOrderMissing(ctx, event, "order not found")
	case changed:
		s.logger(ctx, "payment.callback.order_payment_failed", map[string]any{
			"orderId":    order.ID,
			"paymentRef": ref,
			"provider":   event.Provider,
		})
		publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
			Type:           orderEventCancelled,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(previous),
			CurrentStatus:  string(order.Status),
			TotalCents:     order.TotalCents,
			Currency:       order.Currency,
			OccurredAt:     order.UpdatedAt,
			Metadata:       map[string]any{"reason": "payment_failed", "stockRestored": false},
		})
	default:
		s.logger(ctx, "payment.callback.stale_failure", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"eventId": event.ID,
		})
	}
	return nil
}

func (s *paymentCallbackService) locateFailedOrder(ctx context.Context, ref, orderID string) (Order, bool, error) {
	if ref != "" {
		order, err := s.orders.FindByPaymentIntentID(ctx, ref, true)
		switch {
		case err == nil:
			return order, true, nil
		case !isRepositoryNotFound(err):
			return Order{}, false, mapOrderRepositoryError(err)
		}
	}
	if orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID, true)
		switch {
		case err == nil:
			return order, true, nil
		case !isRepositoryNotFound(err):
			return Order{}, false, mapOrderRepositoryError(err)
		}
	}
	return Order{}, false, nil
}

func (s *paymentCallbackService) logOrderMissing(ctx context.Context, event payments.WebhookEvent, reason string) {
	s.logger(ctx, "payment.callback.order_missing", map[string]any{
		"eventId":    event.ID,
		"kind":       string(event.Kind),
		"orderId":    event.OrderID,
		"paymentRef": event.PaymentRef,
		"reason":     reason,
	})
}

func (s *paymentCallbackService) newHistoryEntry(orderID string, status OrderStatus, note string, now time.Time) OrderStatusHistory {
	return OrderStatusHistory{
		ID:        orderHistoryIDPrefix + s.newID(),
		OrderID:   orderID,
		Status:    status,
		Note:      optionalString(note),
		CreatedAt: now,
	}
}

func (s *paymentCallbackService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

// recordPaymentRef stores the provider and payment reference the first time they are seen.
func recordPaymentRef(order *Order, event payments.WebhookEvent) {
	if order.PaymentProvider == nil {
		order.PaymentProvider = optionalString(event.Provider)
	}
	if order.PaymentIntentID == nil {
		order.PaymentIntentID = optionalString(event.PaymentRef)
	}
}
