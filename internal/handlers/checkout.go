package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/services"
)

const (
	maxCheckoutRequestBody    = 8 * 1024
	checkoutIdempotencyHeader = "Idempotency-Key"
)

// CheckoutHandlers exposes payment checkout for an existing order.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	validate *validator.Validate
}

// NewCheckoutHandlers constructs checkout handlers guarded by bearer authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		validate: newValidator(),
	}
}

// Routes registers checkout endpoints on the /orders router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth())
	}
	group.Post("/{orderID}:checkout", h.startCheckout)
}

type checkoutSessionRequest struct {
	Provider   string `json:"provider,omitempty" validate:"omitempty,max=32"`
	SuccessURL string `json:"success_url,omitempty" validate:"omitempty,url,max=2048"`
	CancelURL  string `json:"cancel_url,omitempty" validate:"omitempty,url,max=2048"`
}

type checkoutSessionPayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type checkoutSessionResponse struct {
	Session checkoutSessionPayload `json:"checkout_session"`
}

func (h *CheckoutHandlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	// the body is optional; configured redirect URLs apply when it is absent
	var req checkoutSessionRequest
	if !decodeOptionalJSONBody(w, r, h.validate, maxCheckoutRequestBody, &req) {
		return
	}

	session, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{
		OrderID:        orderID,
		Requester:      requester,
		Provider:       strings.ToLower(strings.TrimSpace(req.Provider)),
		SuccessURL:     strings.TrimSpace(req.SuccessURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: r.Header.Get(checkoutIdempotencyHeader),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutSessionResponse{Session: checkoutSessionPayload{
		ID:          session.ID,
		OrderID:     session.OrderID,
		Provider:    session.Provider,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   formatTime(session.ExpiresAt),
	}})
}
