package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/platform/pagination"
	"github.com/hanko-field/store-api/internal/services"
)

const maxAdminStatusBody = 8 * 1024

type updateOrderStatusRequest struct {
	Status         string  `json:"status" validate:"required,oneof=PENDING PAID FULFILLED CANCELLED REFUNDED pending paid fulfilled cancelled refunded"`
	Note           *string `json:"note,omitempty" validate:"omitempty,max=1000"`
	TrackingNumber *string `json:"tracking_number,omitempty" validate:"omitempty,max=128"`
	MarkDelivered  bool    `json:"mark_delivered,omitempty"`
}

// AdminOrderHandlers exposes order management for administrators.
type AdminOrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	adminRole string
	validate  *validator.Validate
}

// NewAdminOrderHandlers constructs admin handlers restricted to adminRole (defaults to admin).
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, adminRole string) *AdminOrderHandlers {
	adminRole = strings.TrimSpace(adminRole)
	if adminRole == "" {
		adminRole = auth.RoleAdmin
	}
	return &AdminOrderHandlers{
		authn:     authn,
		orders:    orders,
		adminRole: adminRole,
		validate:  newValidator(),
	}
}

// Routes registers /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(h.adminRole))
	}
	group.Get("/orders", h.listOrders)
	group.Get("/orders/{orderID}", h.getOrder)
	group.Patch("/orders/{orderID}/status", h.updateStatus)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return
	}
	query, err := parseListOrdersQuery(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	query.Requester = requester
	query.All = true

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	orders := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderHistoryResponse{Orders: orders, Pagination: buildPaginationPayload(page)})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID:   strings.TrimSpace(chi.URLParam(r, "orderID")),
		Requester: requester,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return
	}
	if !requester.Admin {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "administrator role required", http.StatusForbidden))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateOrderStatusRequest
	if !decodeJSONBody(w, r, h.validate, maxAdminStatusBody, &req) {
		return
	}
	status, _ := domain.ParseOrderStatus(req.Status)

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:        orderID,
		Status:         status,
		Note:           req.Note,
		TrackingNumber: req.TrackingNumber,
		MarkDelivered:  req.MarkDelivered,
		ActorID:        requester.UserID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
