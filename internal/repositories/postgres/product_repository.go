package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/store-api/internal/domain"
	ppostgres "github.com/hanko-field/store-api/internal/platform/postgres"
	"github.com/hanko-field/store-api/internal/repositories"
)

const productColumns = `id, name, price_cents, stock, active, created_at, updated_at`

// ProductRepository reads products and mutates the stock column.
type ProductRepository struct {
	db *ppostgres.Provider
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a ProductRepository.
func NewProductRepository(db *ppostgres.Provider) (*ProductRepository, error) {
	if db == nil {
		return nil, errors.New("product repository requires postgres provider")
	}
	return &ProductRepository{db: db}, nil
}

// LockActiveByIDs takes row locks in id order so concurrent orders over overlapping products
// acquire them in the same sequence.
func (r *ProductRepository) LockActiveByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if !ppostgres.InTx(ctx) {
		return nil, errors.New("products.lock: transaction required")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	rows, err := r.db.Querier(ctx).Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1) AND active ORDER BY id FOR UPDATE`,
		sorted,
	)
	if err != nil {
		return nil, ppostgres.WrapError("products.lock", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, ppostgres.WrapError("products.lock", err)
	}
	return products, nil
}

func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, delta int) error {
	if !ppostgres.InTx(ctx) {
		return errors.New("products.adjust_stock: transaction required")
	}
	tag, err := r.db.Querier(ctx).Exec(ctx,
		`UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1 AND stock + $2 >= 0`,
		productID, delta,
	)
	if err != nil {
		return ppostgres.WrapError("products.adjust_stock", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindByID(ctx, productID); err != nil {
			return err
		}
		return ppostgres.Conflict("products.adjust_stock", "stock for product %s cannot change by %d", productID, delta)
	}
	return nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	row, err := r.db.Querier(ctx).Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("products.find", err)
	}
	product, err := pgx.CollectExactlyOneRow(row, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, ppostgres.NotFound("products.find", "product %s not found", productID)
		}
		return domain.Product{}, ppostgres.WrapError("products.find", err)
	}
	return product, nil
}

func scanProduct(row pgx.CollectableRow) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, fmt.Errorf("scan product: %w", err)
	}
	return p, nil
}
