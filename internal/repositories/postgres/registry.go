package postgres

import (
	"context"
	"errors"

	ppostgres "github.com/hanko-field/store-api/internal/platform/postgres"
	"github.com/hanko-field/store-api/internal/repositories"
)

// Registry bundles the PostgreSQL repositories behind repositories.Registry.
type Registry struct {
	db       *ppostgres.Provider
	products *ProductRepository
	coupons  *CouponRepository
	orders   *OrderRepository
	history  *OrderHistoryRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository onto the shared provider. health may be nil when readiness
// probes are not needed (tests).
func NewRegistry(db *ppostgres.Provider, health repositories.HealthRepository) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry requires provider")
	}
	products, err := NewProductRepository(db)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(db)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(db)
	if err != nil {
		return nil, err
	}
	history, err := NewOrderHistoryRepository(db)
	if err != nil {
		return nil, err
	}
	return &Registry{
		db:       db,
		products: products,
		coupons:  coupons,
		orders:   orders,
		history:  history,
		health:   health,
	}, nil
}

func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) OrderHistory() repositories.OrderHistoryRepository { return r.history }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx delegates to the provider transaction boundary.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}

// Close releases the connection pool.
func (r *Registry) Close(ctx context.Context) error {
	return r.db.Close(ctx)
}
