package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/currency"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"
	orderEventPaid          = "order.paid"

	orderIDPrefix        = "ord_"
	orderItemIDPrefix    = "oit_"
	orderHistoryIDPrefix = "osh_"

	historyNoteOrderCreated    = "Order created"
	historyNoteUserCancelled   = "Cancelled by user"
	historyNotePaymentReceived = "Payment received"
	historyNotePaymentFailed   = "Payment failed"

	defaultOrderCurrency  = "USD"
	maxOrderLines         = 100
	maxLineQuantity       = 10000
	defaultOrderPageLimit = 20
	maxOrderPageLimit     = 100
	maxStatusTextLength   = 1000

	metricNamespace = "github.com/hanko-field/store-api/internal/services"
)

var (
	tracer     = otel.Tracer(metricNamespace)
	textPolicy = bluemonday.StrictPolicy()
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	TotalCents     int64
	Currency       string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Products        repositories.ProductRepository
	Coupons         repositories.CouponRepository
	Orders          repositories.OrderRepository
	History         repositories.OrderHistoryRepository
	UnitOfWork      repositories.UnitOfWork
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Events          OrderEventPublisher
	Meter           metric.Meter
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	products        repositories.ProductRepository
	coupons         repositories.CouponRepository
	orders          repositories.OrderRepository
	history         repositories.OrderHistoryRepository
	unitOfWork      repositories.UnitOfWork
	defaultCurrency string
	clock           func() time.Time
	newID           func() string
	events          OrderEventPublisher
	logger          func(context.Context, string, map[string]any)

	ordersCreated   metric.Int64Counter
	stockRejections metric.Int64Counter
	ordersCancelled metric.Int64Counter
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("order service: coupon repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: order history repository is required")
	}

	defaultCurrency := defaultOrderCurrency
	if raw := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency)); raw != "" {
		unit, err := currency.ParseISO(raw)
		if err != nil {
			return nil, fmt.Errorf("order service: invalid default currency %q: %w", raw, err)
		}
		defaultCurrency = unit.String()
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

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	svc := &orderService{
		products:        deps.Products,
		coupons:         deps.Coupons,
		orders:          deps.Orders,
		history:         deps.History,
		unitOfWork:      unit,
		defaultCurrency: defaultCurrency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}

	var err error
	if svc.ordersCreated, err = meter.Int64Counter("orders.created", metric.WithDescription("Orders committed")); err != nil {
		logger(context.Background(), "order.metrics.unavailable", map[string]any{"metric": "orders.created", "error": err.Error()})
	}
	if svc.stockRejections, err = meter.Int64Counter("orders.stock_rejections", metric.WithDescription("Order requests rejected for insufficient stock")); err != nil {
		logger(context.Background(), "order.metrics.unavailable", map[string]any{"metric": "orders.stock_rejections", "error": err.Error()})
	}
	if svc.ordersCancelled, err = meter.Int64Counter("orders.cancelled", metric.WithDescription("Orders cancelled by their owner")); err != nil {
		logger(context.Background(), "order.metrics.unavailable", map[string]any{"metric": "orders.cancelled", "error": err.Error()})
	}

	return svc, nil
}

// CreateOrder prices the requested lines against locked product rows, applies an optional coupon
// and commits the order, its items, the first history row, the stock decrements and the coupon
// usage in one transaction.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	lines, err := mergeOrderLines(cmd.Items)
	if err != nil {
		return Order{}, err
	}
	orderCurrency, err := s.resolveCurrency(cmd.Currency)
	if err != nil {
		return Order{}, err
	}
	couponCode := ""
	if cmd.CouponCode != nil {
		couponCode = normaliseCouponCode(*cmd.CouponCode)
	}

	ctx, span := tracer.Start(ctx, "orders.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.user_id", userID),
		attribute.Int("order.lines", len(lines)),
		attribute.Bool("order.coupon", couponCode != ""),
	)

	var order Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		now := s.now()

		products, err := s.products.LockActiveByIDs(txCtx, orderLineProductIDs(lines))
		if err != nil {
			return s.mapRepositoryError(err)
		}
		byID := make(map[string]domain.Product, len(products))
		for _, product := range products {
			byID[product.ID] = product
		}

		orderID := s.nextID(orderIDPrefix)
		items := make([]OrderItem, 0, len(lines))
		var (
			subtotal   int64
			itemsCount int
		)
		for _, line := range lines {
			product, ok := byID[line.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %s does not exist or is inactive", ErrInvalidProduct, line.ProductID)
			}
			if product.Stock < line.Quantity {
				return fmt.Errorf("%w: product %s has %d in stock, %d requested", ErrInsufficientStock, product.ID, product.Stock, line.Quantity)
			}
			lineTotal := product.PriceCents * int64(line.Quantity)
			items = append(items, OrderItem{
				ID:             s.nextID(orderItemIDPrefix),
				OrderID:        orderID,
				ProductID:      product.ID,
				Quantity:       line.Quantity,
				UnitPriceCents: product.PriceCents,
				SubtotalCents:  lineTotal,
				CreatedAt:      now,
			})
			subtotal += lineTotal
			itemsCount += line.Quantity
		}

		var (
			coupon   *Coupon
			discount int64
		)
		if couponCode != "" {
			locked, err := s.coupons.LockByCode(txCtx, couponCode)
			if err != nil {
				return mapCouponLookupError(couponCode, err)
			}
			eval, err := EvaluateCoupon(locked, subtotal, now)
			if err != nil {
				return err
			}
			discount = eval.DiscountCents
			coupon = &locked
		}

		order = Order{
			ID:            orderID,
			UserID:        userID,
			Status:        domain.OrderStatusPending,
			SubtotalCents: subtotal,
			DiscountCents: discount,
			TotalCents:    subtotal - discount,
			Currency:      orderCurrency,
			ItemsCount:    itemsCount,
			CreatedAt:     now,
			UpdatedAt:     now,
			Items:         items,
		}
		if coupon != nil {
			order.CouponID = valuePtr(coupon.ID)
		}

		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		entry := s.newHistoryEntry(order.ID, domain.OrderStatusPending, optionalString(historyNoteOrderCreated), optionalString(userID), now)
		if err := s.history.Append(txCtx, entry); err != nil {
			return s.mapRepositoryError(err)
		}

		for _, line := range lines {
			if err := s.products.AdjustStock(txCtx, line.ProductID, -line.Quantity); err != nil {
				return s.mapStockError(line.ProductID, err)
			}
		}

		if coupon != nil {
			if err := s.coupons.IncrementUsage(txCtx, coupon.ID); err != nil {
				return s.mapRepositoryError(err)
			}
			coupon.UsageCount++
		}

		order.Coupon = coupon
		order.History = []OrderStatusHistory{entry}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) && s.stockRejections != nil {
			s.stockRejections.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "order creation failed")
		return Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	if s.ordersCreated != nil {
		s.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("currency", order.Currency)))
	}
	s.logger(ctx, "order.created", map[string]any{
		"orderId":  order.ID,
		"userId":   order.UserID,
		"total":    order.TotalCents,
		"discount": order.DiscountCents,
		"items":    order.ItemsCount,
	})

	metadata := map[string]any{"itemsCount": order.ItemsCount}
	if order.Coupon != nil {
		metadata["couponCode"] = order.Coupon.Code
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       order.UserID,
		TotalCents:    order.TotalCents,
		Currency:      order.Currency,
		OccurredAt:    order.CreatedAt,
		Metadata:      metadata,
	})
	return order, nil
}

// GetOrder returns the order with items, coupon and status history to its owner or an admin.
func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID, false)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeOrderAccess(order, query.Requester); err != nil {
		return Order{}, err
	}
	if err := s.loadHistory(ctx, &order); err != nil {
		return Order{}, err
	}

	if order.CouponID != nil {
		coupon, err := s.coupons.FindByID(ctx, *order.CouponID)
		switch {
		case err == nil:
			order.Coupon = &coupon
		case isRepositoryNotFound(err):
			// coupons are weak references and may have been removed
		default:
			return Order{}, s.mapRepositoryError(err)
		}
	}
	return order, nil
}

// ListOrders pages through the requester's orders newest first. Admins may list every order.
func (s *orderService) ListOrders(ctx context.Context, query ListOrdersQuery) (domain.OffsetPage[Order], error) {
	filter := repositories.OrderListFilter{}
	switch {
	case query.All:
		if !query.Requester.Admin {
			return domain.OffsetPage[Order]{}, fmt.Errorf("%w: listing all orders requires admin", ErrForbidden)
		}
	default:
		userID := strings.TrimSpace(query.Requester.UserID)
		if userID == "" {
			return domain.OffsetPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
		}
		filter.UserID = userID
	}

	for _, status := range query.Statuses {
		if !status.Valid() {
			return domain.OffsetPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
		if !slices.Contains(filter.Status, status) {
			filter.Status = append(filter.Status, status)
		}
	}

	if query.From != nil && query.To != nil && query.From.After(*query.To) {
		return domain.OffsetPage[Order]{}, fmt.Errorf("%w: start date must not be after end date", ErrOrderInvalidInput)
	}
	filter.CreatedAt = domain.RangeQuery[time.Time]{From: query.From, To: query.To}

	limit := query.Pagination.Limit
	switch {
	case limit <= 0:
		limit = defaultOrderPageLimit
	case limit > maxOrderPageLimit:
		limit = maxOrderPageLimit
	}
	filter.Pagination = domain.Pagination{Limit: limit, Offset: max(query.Pagination.Offset, 0)}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.OffsetPage[Order]{}, s.mapRepositoryError(err)
	}
	if query.WithHistory && len(page.Items) > 0 {
		ids := make([]string, 0, len(page.Items))
		for _, order := range page.Items {
			ids = append(ids, order.ID)
		}
		history, err := s.history.ListByOrders(ctx, ids)
		if err != nil {
			return domain.OffsetPage[Order]{}, s.mapRepositoryError(err)
		}
		for i := range page.Items {
			page.Items[i].History = history[page.Items[i].ID]
		}
	}
	return page, nil
}

// UpdateStatus applies an administrative status change. Admins may set any status, including the
// current one to edit notes or tracking numbers; the lifecycle table only binds owner cancels and
// payment callbacks. Stock is never adjusted here.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(string(cmd.Status))
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if cmd.MarkDelivered && target != domain.OrderStatusFulfilled {
		return Order{}, fmt.Errorf("%w: delivery can only be recorded on %s orders", ErrOrderInvalidInput, domain.OrderStatusFulfilled)
	}
	note, err := sanitiseStatusText("note", cmd.Note)
	if err != nil {
		return Order{}, err
	}
	tracking, err := sanitiseStatusText("tracking number", cmd.TrackingNumber)
	if err != nil {
		return Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ActorID)

	var (
		order    Order
		previous OrderStatus
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID, true)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = current.Status

		now := s.now()
		if target == domain.OrderStatusFulfilled && previous != domain.OrderStatusFulfilled {
			current.ShippedAt = valuePtr(now)
		}
		if cmd.MarkDelivered && current.DeliveredAt == nil {
			current.DeliveredAt = valuePtr(now)
		}
		if tracking != nil {
			current.TrackingNumber = tracking
		}
		current.Status = target
		current.UpdatedAt = now

		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.history.Append(txCtx, s.newHistoryEntry(current.ID, target, note, optionalString(actorID), now)); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return s.loadHistory(txCtx, &order)
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"to":      string(order.Status),
		"actorId": actorID,
	})
	if previous != order.Status {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(previous),
			CurrentStatus:  string(order.Status),
			ActorID:        actorID,
			TotalCents:     order.TotalCents,
			Currency:       order.Currency,
			OccurredAt:     order.UpdatedAt,
		})
	}
	return order, nil
}

// Cancel lets the order owner cancel a PENDING or PAID order and returns every line item's
// quantity to stock in the same transaction as the status change.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	requester := strings.TrimSpace(cmd.Requester.UserID)
	if requester == "" {
		return Order{}, fmt.Errorf("%w: requester is required", ErrOrderInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "orders.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	var (
		order    Order
		previous OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID, true)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.UserID != requester {
			return fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, current.ID)
		}
		if !current.Status.IsUserCancellable() {
			return fmt.Errorf("%w: order %s is %s; only %s or %s orders can be cancelled",
				ErrOrderNotCancellable, current.ID, current.Status, domain.OrderStatusPending, domain.OrderStatusPaid)
		}

		now := s.now()
		previous = current.Status
		if err := s.history.Append(txCtx, s.newHistoryEntry(current.ID, domain.OrderStatusCancelled, optionalString(historyNoteUserCancelled), optionalString(requester), now)); err != nil {
			return s.mapRepositoryError(err)
		}
		current.Status = domain.OrderStatusCancelled
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		for _, item := range current.Items {
			if err := s.products.AdjustStock(txCtx, item.ProductID, item.Quantity); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		order = current
		return s.loadHistory(txCtx, &order)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order cancellation failed")
		return Order{}, err
	}

	if s.ordersCancelled != nil {
		s.ordersCancelled.Add(ctx, 1)
	}
	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"userId":  requester,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        requester,
		TotalCents:     order.TotalCents,
		Currency:       order.Currency,
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"stockRestored": true},
	})
	return order, nil
}

func (s *orderService) loadHistory(ctx context.Context, order *Order) error {
	entries, err := s.history.ListByOrder(ctx, order.ID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	order.History = entries
	return nil
}

func (s *orderService) resolveCurrency(raw *string) (string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return s.defaultCurrency, nil
	}
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(*raw)))
	if err != nil {
		return "", fmt.Errorf("%w: unsupported currency %q", ErrOrderInvalidInput, *raw)
	}
	return unit.String(), nil
}

func (s *orderService) mapStockError(productID string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: product %s: %w", ErrInsufficientStock, productID, err)
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapOrderRepositoryError(err)
}

func (s *orderService) newHistoryEntry(orderID string, status OrderStatus, note, actorID *string, now time.Time) OrderStatusHistory {
	return OrderStatusHistory{
		ID:        s.nextID(orderHistoryIDPrefix),
		OrderID:   orderID,
		Status:    status,
		Note:      note,
		ActorID:   actorID,
		CreatedAt: now,
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextID(prefix string) string {
	return prefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func authorizeOrderAccess(order Order, requester Requester) error {
	if requester.Admin {
		return nil
	}
	if userID := strings.TrimSpace(requester.UserID); userID != "" && userID == order.UserID {
		return nil
	}
	return fmt.Errorf("%w: order %s", ErrForbidden, order.ID)
}

// mergeOrderLines validates the requested lines and folds repeated product ids into one line so
// stock is checked against the combined quantity. First-seen order is kept.
func mergeOrderLines(items []OrderLineInput) ([]OrderLineInput, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if len(items) > maxOrderLines {
		return nil, fmt.Errorf("%w: at most %d items are allowed", ErrOrderInvalidInput, maxOrderLines)
	}

	merged := make([]OrderLineInput, 0, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: items[%d].product_id is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 || item.Quantity > maxLineQuantity {
			return nil, fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrOrderInvalidInput, i, maxLineQuantity)
		}
		if pos, ok := index[productID]; ok {
			merged[pos].Quantity += item.Quantity
			if merged[pos].Quantity > maxLineQuantity {
				return nil, fmt.Errorf("%w: quantity for product %s exceeds %d", ErrOrderInvalidInput, productID, maxLineQuantity)
			}
			continue
		}
		index[productID] = len(merged)
		merged = append(merged, OrderLineInput{ProductID: productID, Quantity: item.Quantity})
	}
	return merged, nil
}

func orderLineProductIDs(lines []OrderLineInput) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// sanitiseStatusText strips markup from admin supplied free text. Blank input yields nil.
func sanitiseStatusText(field string, value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	cleaned := strings.TrimSpace(textPolicy.Sanitize(*value))
	if cleaned == "" {
		return nil, nil
	}
	if len([]rune(cleaned)) > maxStatusTextLength {
		return nil, fmt.Errorf("%w: %s must be at most %d characters", ErrOrderInvalidInput, field, maxStatusTextLength)
	}
	return &cleaned, nil
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
