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

const couponColumns = `id, code, discount_type, discount_value, min_purchase, max_discount, usage_limit, usage_count,
	valid_from, valid_until, active, created_at, updated_at`

// CouponRepository persists coupons. Codes are stored upper-cased.
type CouponRepository struct {
	db *ppostgres.Provider
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// NewCouponRepository constructs a CouponRepository.
func NewCouponRepository(db *ppostgres.Provider) (*CouponRepository, error) {
	if db == nil {
		return nil, errors.New("coupon repository requires postgres provider")
	}
	return &CouponRepository{db: db}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	return r.findOne(ctx, "coupons.find_by_code", `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, normalizeCode(code))
}

func (r *CouponRepository) LockByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if !ppostgres.InTx(ctx) {
		return domain.Coupon{}, errors.New("coupons.lock: transaction required")
	}
	return r.findOne(ctx, "coupons.lock", `SELECT `+couponColumns+` FROM coupons WHERE code = $1 FOR UPDATE`, normalizeCode(code))
}

func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	return r.findOne(ctx, "coupons.find", `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, couponID)
}

func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string) error {
	tag, err := r.db.Querier(ctx).Exec(ctx,
		`UPDATE coupons SET usage_count = usage_count + 1, updated_at = now() WHERE id = $1`, couponID)
	if err != nil {
		return ppostgres.WrapError("coupons.increment_usage", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.NotFound("coupons.increment_usage", "coupon %s not found", couponID)
	}
	return nil
}

func (r *CouponRepository) findOne(ctx context.Context, op, query string, arg string) (domain.Coupon, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, query, arg)
	if err != nil {
		return domain.Coupon{}, ppostgres.WrapError(op, err)
	}
	coupon, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Coupon{}, ppostgres.NotFound(op, "coupon %s not found", arg)
		}
		return domain.Coupon{}, ppostgres.WrapError(op, err)
	}
	return coupon, nil
}

func scanCoupon(row pgx.CollectableRow) (domain.Coupon, error) {
	var (
		c            domain.Coupon
		discountType string
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.DiscountValue,
		&c.MinPurchase, &c.MaxDiscount, &c.UsageLimit, &c.UsageCount,
		&c.ValidFrom, &c.ValidUntil, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("scan coupon: %w", err)
	}
	c.DiscountType = domain.DiscountType(discountType)
	return c, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
