package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/services"
)

const (
	maxCouponRequestBody      = 4 * 1024
	defaultCouponRateLimit    = 30
	defaultCouponRateInterval = time.Minute
)

type validateCouponRequest struct {
	Code       string `json:"code" validate:"required,max=64"`
	TotalCents int64  `json:"total_cents" validate:"gte=0"`
}

type validateCouponResponse struct {
	Valid           bool           `json:"valid"`
	DiscountCents   int64          `json:"discount_cents"`
	FinalTotalCents int64          `json:"final_total_cents"`
	Coupon          *couponPayload `json:"coupon,omitempty"`
}

// CouponHandlers previews coupon discounts without consuming them.
type CouponHandlers struct {
	authn    *auth.Authenticator
	coupons  services.CouponService
	validate *validator.Validate
	limiter  quotaLimiter
}

// CouponHandlerOption customises coupon handlers.
type CouponHandlerOption func(*CouponHandlers)

// WithCouponRateLimit limits validation calls per user within window. A zero limit disables it.
func WithCouponRateLimit(limit int, window time.Duration, clock func() time.Time) CouponHandlerOption {
	return func(h *CouponHandlers) {
		h.limiter = newWindowQuota(limit, window, clock)
	}
}

// NewCouponHandlers constructs coupon handlers.
func NewCouponHandlers(authn *auth.Authenticator, coupons services.CouponService, opts ...CouponHandlerOption) *CouponHandlers {
	h := &CouponHandlers{
		authn:    authn,
		coupons:  coupons,
		validate: newValidator(),
		limiter:  newWindowQuota(defaultCouponRateLimit, defaultCouponRateInterval, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /coupons:validate.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth())
	}
	group.Post("/coupons:validate", h.validateCoupon)
}

func (h *CouponHandlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	if h.limiter != nil {
		decision := h.limiter.Take(requester.UserID)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.retryAfterSeconds()))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many coupon validation requests", http.StatusTooManyRequests))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}

	var req validateCouponRequest
	if !decodeJSONBody(w, r, h.validate, maxCouponRequestBody, &req) {
		return
	}

	result, err := h.coupons.ValidateCoupon(ctx, services.ValidateCouponCommand{
		Code:       strings.TrimSpace(req.Code),
		TotalCents: req.TotalCents,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := validateCouponResponse{
		Valid:           result.Valid,
		DiscountCents:   result.DiscountCents,
		FinalTotalCents: result.FinalTotalCents,
	}
	if result.Valid {
		coupon := buildCouponPayload(result.Coupon)
		resp.Coupon = &coupon
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
