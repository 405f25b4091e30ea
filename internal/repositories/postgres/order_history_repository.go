package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/store-api/internal/domain"
	ppostgres "github.com/hanko-field/store-api/internal/platform/postgres"
	"github.com/hanko-field/store-api/internal/repositories"
)

const historyColumns = `id, order_id, status, note, actor_id, created_at`

// OrderHistoryRepository appends status audit rows. Rows are never updated or deleted.
type OrderHistoryRepository struct {
	db *ppostgres.Provider
}

var _ repositories.OrderHistoryRepository = (*OrderHistoryRepository)(nil)

// NewOrderHistoryRepository constructs an OrderHistoryRepository.
func NewOrderHistoryRepository(db *ppostgres.Provider) (*OrderHistoryRepository, error) {
	if db == nil {
		return nil, errors.New("order history repository requires postgres provider")
	}
	return &OrderHistoryRepository{db: db}, nil
}

func (r *OrderHistoryRepository) Append(ctx context.Context, entry domain.OrderStatusHistory) error {
	_, err := r.db.Querier(ctx).Exec(ctx,
		`INSERT INTO order_status_history (`+historyColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.OrderID, string(entry.Status), entry.Note, entry.ActorID, entry.CreatedAt,
	)
	return ppostgres.WrapError("order_history.append", err)
}

func (r *OrderHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	rows, err := r.db.Querier(ctx).Query(ctx,
		`SELECT `+historyColumns+` FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, ppostgres.WrapError("order_history.list", err)
	}
	entries, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, ppostgres.WrapError("order_history.list", err)
	}
	return entries, nil
}

// ListByOrders loads the history of a whole page of orders in one query.
func (r *OrderHistoryRepository) ListByOrders(ctx context.Context, orderIDs []string) (map[string][]domain.OrderStatusHistory, error) {
	result := make(map[string][]domain.OrderStatusHistory, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}
	rows, err := r.db.Querier(ctx).Query(ctx,
		`SELECT `+historyColumns+` FROM order_status_history WHERE order_id = ANY($1) ORDER BY order_id, created_at, id`,
		orderIDs,
	)
	if err != nil {
		return nil, ppostgres.WrapError("order_history.list_many", err)
	}
	entries, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, ppostgres.WrapError("order_history.list_many", err)
	}
	for _, entry := range entries {
		result[entry.OrderID] = append(result[entry.OrderID], entry)
	}
	return result, nil
}

func scanHistory(row pgx.CollectableRow) (domain.OrderStatusHistory, error) {
	var (
		entry  domain.OrderStatusHistory
		status string
	)
	if err := row.Scan(&entry.ID, &entry.OrderID, &status, &entry.Note, &entry.ActorID, &entry.CreatedAt); err != nil {
		return domain.OrderStatusHistory{}, fmt.Errorf("scan order history: %w", err)
	}
	entry.Status = domain.OrderStatus(status)
	return entry, nil
}
