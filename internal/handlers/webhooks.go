package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

type webhookAckResponse struct {
	Received bool `json:"received"`
}

// PaymentWebhookHandlers receives signed payment provider notifications. Routes are not behind
// bearer authentication; the provider signature authenticates the delivery.
type PaymentWebhookHandlers struct {
	callbacks services.PaymentCallbackService
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// PaymentWebhookOption customises webhook handlers.
type PaymentWebhookOption func(*PaymentWebhookHandlers)

// WithWebhookLogger sets the event logger used for rejected deliveries.
func WithWebhookLogger(logger func(ctx context.Context, event string, fields map[string]any)) PaymentWebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewPaymentWebhookHandlers constructs webhook handlers.
func NewPaymentWebhookHandlers(callbacks services.PaymentCallbackService, opts ...PaymentWebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{
		callbacks: callbacks,
		logger:    func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /payments/{provider}.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handlePayment)
}

func (h *PaymentWebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.callbacks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_configured", "payment callbacks unavailable", http.StatusInternalServerError))
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), status))
		return
	}

	event, err := h.callbacks.HandleWebhook(ctx, services.PaymentWebhookCommand{
		Provider: provider,
		Payload:  body,
		Headers:  r.Header.Clone(),
	})
	if err != nil {
		h.logger(ctx, "payment.webhook.failed", map[string]any{
			"provider": provider,
			"eventId":  event.ID,
			"error":    err,
		})
		switch {
		case errors.Is(err, payments.ErrWebhookSignatureInvalid):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		case errors.Is(err, payments.ErrUnsupportedProvider):
			httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "unknown payment provider", http.StatusNotFound))
		case errors.Is(err, payments.ErrPaymentNotConfigured):
			httpx.WriteError(ctx, w, httpx.NewError("payment_not_configured", "payment provider is not configured", http.StatusInternalServerError))
		default:
			// a 5xx makes the provider redeliver; processing is idempotent
			httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "unable to process webhook", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}
