package services

import (
	"fmt"
	"time"

	domain "github.com/hanko-field/store-api/internal/domain"
)

// CouponEvaluation is the discount a valid coupon grants against a purchase total.
type CouponEvaluation struct {
	DiscountCents   int64
	FinalTotalCents int64
}

// EvaluateCoupon validates coupon at now against purchaseTotalCents and computes its discount.
// Checks run in a fixed order and the first failure is returned. Nil limits mean "no limit";
// a zero UsageLimit is exhausted and a zero MaxDiscount caps the discount at zero.
// Order creation and coupon previews both call this so a preview always matches the charge.
func EvaluateCoupon(coupon domain.Coupon, purchaseTotalCents int64, now time.Time) (CouponEvaluation, error) {
	switch {
	case !coupon.Active:
		return CouponEvaluation{}, fmt.Errorf("%w: coupon %s is not active", ErrCouponInactive, coupon.Code)
	case now.Before(coupon.ValidFrom):
		return CouponEvaluation{}, fmt.Errorf("%w: coupon %s is valid from %s", ErrCouponNotYetValid, coupon.Code, coupon.ValidFrom.UTC().Format(time.RFC3339))
	case now.After(coupon.ValidUntil):
		return CouponEvaluation{}, fmt.Errorf("%w: coupon %s expired at %s", ErrCouponExpired, coupon.Code, coupon.ValidUntil.UTC().Format(time.RFC3339))
	case coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit:
		return CouponEvaluation{}, fmt.Errorf("%w: coupon %s has been used %d of %d times", ErrCouponUsageLimitReached, coupon.Code, coupon.UsageCount, *coupon.UsageLimit)
	case coupon.MinPurchase != nil && purchaseTotalCents < *coupon.MinPurchase:
		return CouponEvaluation{}, fmt.Errorf("%w: coupon %s requires a purchase of at least %d", ErrCouponMinimumPurchaseNotMet, coupon.Code, *coupon.MinPurchase)
	}

	total := max(purchaseTotalCents, 0)
	discount := couponDiscount(coupon, total)
	return CouponEvaluation{
		DiscountCents:   discount,
		FinalTotalCents: total - discount,
	}, nil
}

func couponDiscount(coupon domain.Coupon, total int64) int64 {
	var discount int64
	switch coupon.DiscountType {
	case domain.DiscountTypePercentage:
		discount = total * coupon.DiscountValue / 100
		if coupon.MaxDiscount != nil {
			discount = min(discount, *coupon.MaxDiscount)
		}
	case domain.DiscountTypeFixedAmount:
		discount = coupon.DiscountValue
	}
	// never below zero, never more than the purchase
	return min(max(discount, 0), total)
}
