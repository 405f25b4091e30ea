package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/store-api/internal/repositories"
)

// CouponServiceDeps bundles collaborators required to construct the coupon service.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
}

type couponService struct {
	coupons repositories.CouponRepository
	clock   func() time.Time
}

var _ CouponService = (*couponService)(nil)

// NewCouponService constructs the coupon preview service.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &couponService{
		coupons: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *couponService) ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error) {
	code := normaliseCouponCode(cmd.Code)
	if code == "" {
		return CouponValidationResult{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.TotalCents < 0 {
		return CouponValidationResult{}, fmt.Errorf("%w: total must not be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		return CouponValidationResult{}, mapCouponLookupError(code, err)
	}

	eval, err := EvaluateCoupon(coupon, cmd.TotalCents, s.clock())
	if err != nil {
		return CouponValidationResult{}, err
	}
	return CouponValidationResult{
		Valid:           true,
		DiscountCents:   eval.DiscountCents,
		FinalTotalCents: eval.FinalTotalCents,
		Coupon:          coupon,
	}, nil
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func mapCouponLookupError(code string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrCouponNotFound, code)
		case repoErr.IsUnavailable():
			return fmt.Errorf("coupon: repository unavailable: %w", err)
		}
	}
	return err
}
