package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/store-api/internal/domain"
	ppostgres "github.com/hanko-field/store-api/internal/platform/postgres"
	"github.com/hanko-field/store-api/internal/repositories"
)

const (
	orderColumns = `id, user_id, status, subtotal_cents, discount_cents, total_cents, currency, items_count,
	coupon_id, payment_provider, payment_intent_id, tracking_number, shipped_at, delivered_at, created_at, updated_at`
	orderItemColumns = `id, order_id, product_id, quantity, unit_price_cents, subtotal_cents, created_at`

	defaultListLimit = 20
)

// OrderRepository persists orders and their line items.
type OrderRepository struct {
	db *ppostgres.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an OrderRepository.
func NewOrderRepository(db *ppostgres.Provider) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires postgres provider")
	}
	return &OrderRepository{db: db}, nil
}

// Insert writes the order header and every line item.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q := r.db.Querier(ctx)
	_, err := q.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		order.ID, order.UserID, string(order.Status), order.SubtotalCents, order.DiscountCents, order.TotalCents,
		order.Currency, order.ItemsCount, order.CouponID, order.PaymentProvider, order.PaymentIntentID,
		order.TrackingNumber, order.ShippedAt, order.DeliveredAt, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return ppostgres.WrapError("orders.insert", err)
	}
	if len(order.Items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range order.Items {
		batch.Queue(`INSERT INTO order_items (`+orderItemColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, order.ID, item.ProductID, item.Quantity, item.UnitPriceCents, item.SubtotalCents, item.CreatedAt)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return ppostgres.WrapError("orders.insert_items", err)
	}
	return nil
}

// Update writes the mutable header fields. Items are immutable and never rewritten.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	tag, err := r.db.Querier(ctx).Exec(ctx, `UPDATE orders SET
    status = $2,
    payment_provider = $3,
    payment_intent_id = $4,
    tracking_number = $5,
    shipped_at = $6,
    delivered_at = $7,
    updated_at = $8
WHERE id = $1`,
		order.ID, string(order.Status), order.PaymentProvider, order.PaymentIntentID,
		order.TrackingNumber, order.ShippedAt, order.DeliveredAt, order.UpdatedAt,
	)
	if err != nil {
		return ppostgres.WrapError("orders.update", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.NotFound("orders.update", "order %s not found", order.ID)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string, lock bool) (domain.Order, error) {
	return r.findOne(ctx, "orders.find", "id", orderID, lock)
}

func (r *OrderRepository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string, lock bool) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_payment_intent", "payment_intent_id", paymentIntentID, lock)
}

func (r *OrderRepository) findOne(ctx context.Context, op, column, value string, lock bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1`
	if lock {
		if !ppostgres.InTx(ctx) {
			return domain.Order{}, fmt.Errorf("%s: transaction required for lock", op)
		}
		query += ` FOR UPDATE`
	}

	q := r.db.Querier(ctx)
	rows, err := q.Query(ctx, query, value)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	order, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, ppostgres.NotFound(op, "order %s not found", value)
		}
		return domain.Order{}, ppostgres.WrapError(op, err)
	}

	items, err := r.itemsFor(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// List returns one page of orders newest first, with items, and the total number of matches.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.OffsetPage[domain.Order], error) {
	where, args := buildOrderFilter(filter)

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Pagination.Offset
	if offset < 0 {
		offset = 0
	}

	q := r.db.Querier(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.count", err)
	}

	pageArgs := append(args, limit, offset)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			orderColumns, where, len(args)+1, len(args)+2),
		pageArgs...,
	)
	if err != nil {
		return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	items, err := r.itemsFor(ctx, q, ids)
	if err != nil {
		return domain.OffsetPage[domain.Order]{}, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return domain.OffsetPage[domain.Order]{
		Items:   orders,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(orders) < total,
	}, nil
}

func buildOrderFilter(filter repositories.OrderListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		add("user_id = $%d", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.CreatedAt.From != nil {
		add("created_at >= $%d", filter.CreatedAt.From.UTC())
	}
	if filter.CreatedAt.To != nil {
		add("created_at <= $%d", filter.CreatedAt.To.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *OrderRepository) itemsFor(ctx context.Context, q ppostgres.Querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}
	rows, err := q.Query(ctx,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, created_at, id`,
		orderIDs,
	)
	if err != nil {
		return nil, ppostgres.WrapError("orders.items", err)
	}
	items, err := pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, ppostgres.WrapError("orders.items", err)
	}
	for _, item := range items {
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	return result, nil
}

func scanOrder(row pgx.CollectableRow) (domain.Order, error) {
	var (
		o      domain.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &status, &o.SubtotalCents, &o.DiscountCents, &o.TotalCents, &o.Currency, &o.ItemsCount,
		&o.CouponID, &o.PaymentProvider, &o.PaymentIntentID, &o.TrackingNumber, &o.ShippedAt, &o.DeliveredAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func scanOrderItem(row pgx.CollectableRow) (domain.OrderItem, error) {
	var item domain.OrderItem
	err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPriceCents, &item.SubtotalCents, &item.CreatedAt)
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("scan order item: %w", err)
	}
	return item, nil
}
