package services

import "errors"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the requested status is not reachable from the current one.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderNotCancellable indicates the owner tried to cancel an order past PENDING/PAID.
	ErrOrderNotCancellable = errors.New("order: not cancellable")
	// ErrOrderConflict indicates a concurrent writer won a lock or constraint race.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrForbidden indicates the requester is neither the order owner nor an administrator.
	ErrForbidden = errors.New("order: forbidden")

	// ErrInvalidProduct indicates a requested product does not exist or is inactive.
	ErrInvalidProduct = errors.New("order: invalid product")
	// ErrInsufficientStock indicates a product cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("order: insufficient stock")
)

var (
	// ErrCouponNotFound indicates no coupon exists for the supplied code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponInactive indicates the coupon has been switched off.
	ErrCouponInactive = errors.New("coupon: inactive")
	// ErrCouponNotYetValid indicates the coupon validity window has not opened.
	ErrCouponNotYetValid = errors.New("coupon: not yet valid")
	// ErrCouponExpired indicates the coupon validity window has closed.
	ErrCouponExpired = errors.New("coupon: expired")
	// ErrCouponUsageLimitReached indicates every permitted use has been consumed.
	ErrCouponUsageLimitReached = errors.New("coupon: usage limit reached")
	// ErrCouponMinimumPurchaseNotMet indicates the purchase total is below the coupon minimum.
	ErrCouponMinimumPurchaseNotMet = errors.New("coupon: minimum purchase not met")
	// ErrCouponInvalidInput signals a malformed validation request.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
)

// IsCouponError reports whether err stems from coupon lookup or evaluation.
func IsCouponError(err error) bool {
	for _, target := range []error{
		ErrCouponNotFound,
		ErrCouponInactive,
		ErrCouponNotYetValid,
		ErrCouponExpired,
		ErrCouponUsageLimitReached,
		ErrCouponMinimumPurchaseNotMet,
		ErrCouponInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
