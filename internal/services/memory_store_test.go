package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/repositories"
)

// memoryStore is a transactional in-memory stand-in for the Postgres registry. RunInTx serialises
// transactions and restores a snapshot when fn fails, which models row locks plus rollback.
type memoryStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	coupons  map[string]domain.Coupon
	orders   map[string]domain.Order
	history  []domain.OrderStatusHistory

	failIncrementUsage error
	txCount            int
}

type memTxKey struct{}

type memError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *memError) Error() string       { return e.msg }
func (e *memError) IsNotFound() bool    { return e.notFound }
func (e *memError) IsConflict() bool    { return e.conflict }
func (e *memError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*memError)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		products: map[string]domain.Product{},
		coupons:  map[string]domain.Coupon{},
		orders:   map[string]domain.Order{},
	}
}

func (m *memoryStore) addProduct(id string, price int64, stock int) {
	m.products[id] = domain.Product{ID: id, Name: "Product " + id, PriceCents: price, Stock: stock, Active: true}
}

func (m *memoryStore) addCoupon(c domain.Coupon) {
	m.coupons[c.ID] = c
}

func (m *memoryStore) stock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memoryStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memoryStore) historyFor(orderID string) []domain.OrderStatusHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderStatusHistory
	for _, entry := range m.history {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++

	products := maps.Clone(m.products)
	coupons := maps.Clone(m.coupons)
	orders := make(map[string]domain.Order, len(m.orders))
	for id, order := range m.orders {
		order.Items = slices.Clone(order.Items)
		orders[id] = order
	}
	history := slices.Clone(m.history)

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.products, m.coupons, m.orders, m.history = products, coupons, orders, history
		return err
	}
	return nil
}

// guard locks the store unless ctx already runs inside RunInTx.
func (m *memoryStore) guard(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func requireTx(ctx context.Context, op string) error {
	if ctx.Value(memTxKey{}) == nil {
		return fmt.Errorf("%s: transaction required", op)
	}
	return nil
}

type memProducts struct{ *memoryStore }

func (r memProducts) LockActiveByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if err := requireTx(ctx, "products.lock"); err != nil {
		return nil, err
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var out []domain.Product
	for _, id := range slices.Compact(sorted) {
		if product, ok := r.products[id]; ok && product.Active {
			out = append(out, product)
		}
	}
	return out, nil
}

func (r memProducts) AdjustStock(ctx context.Context, productID string, delta int) error {
	if err := requireTx(ctx, "products.adjust"); err != nil {
		return err
	}
	product, ok := r.products[productID]
	if !ok {
		return &memError{msg: "product " + productID + " not found", notFound: true}
	}
	if product.Stock+delta < 0 {
		return &memError{msg: "stock would go negative", conflict: true}
	}
	product.Stock += delta
	r.products[productID] = product
	return nil
}

func (r memProducts) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	defer r.guard(ctx)()
	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, &memError{msg: "product not found", notFound: true}
	}
	return product, nil
}

type memCoupons struct{ *memoryStore }

func (r memCoupons) find(code string) (domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, coupon := range r.coupons {
		if coupon.Code == code {
			return coupon, nil
		}
	}
	return domain.Coupon{}, &memError{msg: "coupon " + code + " not found", notFound: true}
}

func (r memCoupons) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	defer r.guard(ctx)()
	return r.find(code)
}

func (r memCoupons) LockByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if err := requireTx(ctx, "coupons.lock"); err != nil {
		return domain.Coupon{}, err
	}
	return r.find(code)
}

func (r memCoupons) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	defer r.guard(ctx)()
	coupon, ok := r.coupons[couponID]
	if !ok {
		return domain.Coupon{}, &memError{msg: "coupon not found", notFound: true}
	}
	return coupon, nil
}

func (r memCoupons) IncrementUsage(ctx context.Context, couponID string) error {
	if err := requireTx(ctx, "coupons.increment"); err != nil {
		return err
	}
	if r.failIncrementUsage != nil {
		return r.failIncrementUsage
	}
	coupon, ok := r.coupons[couponID]
	if !ok {
		return &memError{msg: "coupon not found", notFound: true}
	}
	coupon.UsageCount++
	r.coupons[couponID] = coupon
	return nil
}

type memOrders struct{ *memoryStore }

func (r memOrders) Insert(ctx context.Context, order domain.Order) error {
	defer r.guard(ctx)()
	if _, exists := r.orders[order.ID]; exists {
		return &memError{msg: "duplicate order", conflict: true}
	}
	order.Items = slices.Clone(order.Items)
	order.Coupon, order.History = nil, nil
	r.orders[order.ID] = order
	return nil
}

func (r memOrders) Update(ctx context.Context, order domain.Order) error {
	defer r.guard(ctx)()
	stored, ok := r.orders[order.ID]
	if !ok {
		return &memError{msg: "order not found", notFound: true}
	}
	stored.Status = order.Status
	stored.PaymentProvider = order.PaymentProvider
	stored.PaymentIntentID = order.PaymentIntentID
	stored.TrackingNumber = order.TrackingNumber
	stored.ShippedAt = order.ShippedAt
	stored.DeliveredAt = order.DeliveredAt
	stored.UpdatedAt = order.UpdatedAt
	r.orders[order.ID] = stored
	return nil
}

func (r memOrders) FindByID(ctx context.Context, orderID string, lock bool) (domain.Order, error) {
	if lock {
		if err := requireTx(ctx, "orders.find"); err != nil {
			return domain.Order{}, err
		}
	}
	defer r.guard(ctx)()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &memError{msg: "order " + orderID + " not found", notFound: true}
	}
	order.Items = slices.Clone(order.Items)
	return order, nil
}

func (r memOrders) FindByPaymentIntentID(ctx context.Context, ref string, lock bool) (domain.Order, error) {
	if lock {
		if err := requireTx(ctx, "orders.find_by_payment_intent"); err != nil {
			return domain.Order{}, err
		}
	}
	defer r.guard(ctx)()
	for _, order := range r.orders {
		if order.PaymentIntentID != nil && *order.PaymentIntentID == ref {
			order.Items = slices.Clone(order.Items)
			return order, nil
		}
	}
	return domain.Order{}, &memError{msg: "order not found", notFound: true}
}

func (r memOrders) List(ctx context.Context, filter repositories.OrderListFilter) (domain.OffsetPage[domain.Order], error) {
	defer r.guard(ctx)()
	var matches []domain.Order
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		if filter.CreatedAt.From != nil && order.CreatedAt.Before(*filter.CreatedAt.From) {
			continue
		}
		if filter.CreatedAt.To != nil && order.CreatedAt.After(*filter.CreatedAt.To) {
			continue
		}
		matches = append(matches, order)
	}
	slices.SortFunc(matches, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	total := len(matches)
	start := min(filter.Pagination.Offset, total)
	end := min(start+filter.Pagination.Limit, total)
	page := matches[start:end]
	return domain.OffsetPage[domain.Order]{
		Items:   page,
		Total:   total,
		Limit:   filter.Pagination.Limit,
		Offset:  filter.Pagination.Offset,
		HasMore: start+len(page) < total,
	}, nil
}

type memHistory struct{ *memoryStore }

func (r memHistory) Append(ctx context.Context, entry domain.OrderStatusHistory) error {
	defer r.guard(ctx)()
	r.history = append(r.history, entry)
	return nil
}

func (r memHistory) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	defer r.guard(ctx)()
	var out []domain.OrderStatusHistory
	for _, entry := range r.history {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r memHistory) ListByOrders(ctx context.Context, orderIDs []string) (map[string][]domain.OrderStatusHistory, error) {
	defer r.guard(ctx)()
	out := make(map[string][]domain.OrderStatusHistory, len(orderIDs))
	for _, entry := range r.history {
		if slices.Contains(orderIDs, entry.OrderID) {
			out[entry.OrderID] = append(out[entry.OrderID], entry)
		}
	}
	return out, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%06d", n.Add(1))
	}
}

var serviceNow = time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return serviceNow }
