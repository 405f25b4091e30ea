package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/payments"
	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/platform/httpx"
	"github.com/hanko-field/store-api/internal/platform/pagination"
	"github.com/hanko-field/store-api/internal/services"
)

const maxOrderRequestBody = 32 * 1024

type createOrderRequest struct {
	Items      []createOrderLine `json:"items" validate:"required,min=1,max=100,dive"`
	Currency   *string           `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	CouponCode *string           `json:"coupon_code,omitempty" validate:"omitempty,max=64"`
}

type createOrderLine struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=10000"`
}

// OrderHandlers exposes the buyer facing order endpoints.
type OrderHandlers struct {
	authn          *auth.Authenticator
	orders         services.OrderService
	adminRole      string
	createMW       []func(http.Handler) http.Handler
	validate       *validator.Validate
	listPagination pagination.Options
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderAdminRole sets the role that may read every order.
func WithOrderAdminRole(role string) OrderHandlerOption {
	return func(h *OrderHandlers) {
		if role = strings.TrimSpace(role); role != "" {
			h.adminRole = role
		}
	}
}

// WithCreateOrderMiddleware wraps only POST /orders, typically with the idempotency middleware.
func WithCreateOrderMiddleware(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.createMW = append(h.createMW, mw...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:          authn,
		orders:         orders,
		adminRole:      auth.RoleAdmin,
		validate:       newValidator(),
		listPagination: pagination.Options{DefaultLimit: pagination.DefaultLimit, MaxLimit: pagination.DefaultMaxLimit},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth())
	}
	group.With(h.createMW...).Post("/", h.createOrder)
	group.Get("/", h.listOrders)
	group.Get("/history", h.orderHistory)
	group.Get("/{orderID}", h.getOrder)
	group.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, h.validate, maxOrderRequestBody, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:     requester.UserID,
		Items:      make([]services.OrderLineInput, 0, len(req.Items)),
		CouponCode: req.CouponCode,
		Currency:   req.Currency,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderLineInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{OrderID: orderID, Requester: requester})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	page, ok := h.runListQuery(w, r, false)
	if !ok {
		return
	}
	summaries := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		summaries = append(summaries, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: summaries, Pagination: buildPaginationPayload(page)})
}

func (h *OrderHandlers) orderHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := h.runListQuery(w, r, true)
	if !ok {
		return
	}
	orders := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderHistoryResponse{Orders: orders, Pagination: buildPaginationPayload(page)})
}

func (h *OrderHandlers) runListQuery(w http.ResponseWriter, r *http.Request, withHistory bool) (domain.OffsetPage[services.Order], bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return domain.OffsetPage[services.Order]{}, false
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return domain.OffsetPage[services.Order]{}, false
	}

	query, err := parseListOrdersQuery(r, h.listPagination)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return domain.OffsetPage[services.Order]{}, false
	}
	query.Requester = requester
	query.WithHistory = withHistory

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return domain.OffsetPage[services.Order]{}, false
	}
	return page, true
}

func parseListOrdersQuery(r *http.Request, opts pagination.Options) (services.ListOrdersQuery, error) {
	values := r.URL.Query()
	params, err := pagination.FromRequest(r, opts)
	if err != nil {
		return services.ListOrdersQuery{}, err
	}
	query := services.ListOrdersQuery{Pagination: params.Pagination()}

	if raw := strings.TrimSpace(values.Get("all")); raw != "" {
		all, err := strconv.ParseBool(raw)
		if err != nil {
			return services.ListOrdersQuery{}, errors.New("all must be a boolean")
		}
		query.All = all
	}

	for _, raw := range values["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := domain.ParseOrderStatus(part)
			if !ok {
				return services.ListOrdersQuery{}, errors.New("status must be one of PENDING, PAID, FULFILLED, CANCELLED, REFUNDED")
			}
			query.Statuses = append(query.Statuses, status)
		}
	}

	if query.From, err = parseDateParam("startDate", values.Get("startDate"), false); err != nil {
		return services.ListOrdersQuery{}, err
	}
	if query.To, err = parseDateParam("endDate", values.Get("endDate"), true); err != nil {
		return services.ListOrdersQuery{}, err
	}
	return query, nil
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requesterFromRequest(w, r, h.adminRole)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{OrderID: orderID, Requester: requester})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders     []orderSummaryPayload `json:"orders"`
	Pagination paginationPayload     `json:"pagination"`
}

type orderHistoryResponse struct {
	Orders     []orderPayload    `json:"orders"`
	Pagination paginationPayload `json:"pagination"`
}

type paginationPayload struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

type orderSummaryPayload struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	TotalCents int64  `json:"total_cents"`
	Currency   string `json:"currency"`
	ItemsCount int    `json:"items_count"`
	CreatedAt  string `json:"created_at"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	UserID          string                `json:"user_id"`
	Status          string                `json:"status"`
	SubtotalCents   int64                 `json:"subtotal_cents"`
	DiscountCents   int64                 `json:"discount_cents"`
	TotalCents      int64                 `json:"total_cents"`
	Currency        string                `json:"currency"`
	ItemsCount      int                   `json:"items_count"`
	Coupon          *couponPayload        `json:"coupon,omitempty"`
	CouponID        *string               `json:"coupon_id,omitempty"`
	PaymentProvider *string               `json:"payment_provider,omitempty"`
	PaymentIntentID *string               `json:"payment_intent_id,omitempty"`
	TrackingNumber  *string               `json:"tracking_number,omitempty"`
	ShippedAt       string                `json:"shipped_at,omitempty"`
	DeliveredAt     string                `json:"delivered_at,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
	Items           []orderItemPayload    `json:"items"`
	History         []orderHistoryPayload `json:"history,omitempty"`
}

type orderItemPayload struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type orderHistoryPayload struct {
	Status    string  `json:"status"`
	Note      *string `json:"note,omitempty"`
	ActorID   *string `json:"actor_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type couponPayload struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	DiscountType  string `json:"discount_type"`
	DiscountValue int64  `json:"discount_value"`
	MinPurchase   *int64 `json:"min_purchase_cents,omitempty"`
	MaxDiscount   *int64 `json:"max_discount_cents,omitempty"`
	ValidFrom     string `json:"valid_from,omitempty"`
	ValidUntil    string `json:"valid_until,omitempty"`
}

func buildPaginationPayload(page domain.OffsetPage[services.Order]) paginationPayload {
	return paginationPayload{
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	}
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:         order.ID,
		Status:     string(order.Status),
		TotalCents: order.TotalCents,
		Currency:   order.Currency,
		ItemsCount: order.ItemsCount,
		CreatedAt:  formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		SubtotalCents:   order.SubtotalCents,
		DiscountCents:   order.DiscountCents,
		TotalCents:      order.TotalCents,
		Currency:        order.Currency,
		ItemsCount:      order.ItemsCount,
		CouponID:        order.CouponID,
		PaymentProvider: order.PaymentProvider,
		PaymentIntentID: order.PaymentIntentID,
		TrackingNumber:  order.TrackingNumber,
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
	}
	if order.Coupon != nil {
		coupon := buildCouponPayload(*order.Coupon)
		payload.Coupon = &coupon
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:             item.ID,
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			SubtotalCents:  item.SubtotalCents,
		})
	}
	for _, entry := range order.History {
		payload.History = append(payload.History, orderHistoryPayload{
			Status:    string(entry.Status),
			Note:      entry.Note,
			ActorID:   entry.ActorID,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	return payload
}

func buildCouponPayload(coupon services.Coupon) couponPayload {
	return couponPayload{
		ID:            coupon.ID,
		Code:          coupon.Code,
		DiscountType:  string(coupon.DiscountType),
		DiscountValue: coupon.DiscountValue,
		MinPurchase:   coupon.MinPurchase,
		MaxDiscount:   coupon.MaxDiscount,
		ValidFrom:     formatTime(coupon.ValidFrom),
		ValidUntil:    formatTime(coupon.ValidUntil),
	}
}

var couponErrorCodes = []struct {
	err    error
	code   string
	status int
}{
	{services.ErrCouponNotFound, "coupon_not_found", http.StatusNotFound},
	{services.ErrCouponInactive, "coupon_inactive", http.StatusBadRequest},
	{services.ErrCouponNotYetValid, "coupon_not_yet_valid", http.StatusBadRequest},
	{services.ErrCouponExpired, "coupon_expired", http.StatusBadRequest},
	{services.ErrCouponUsageLimitReached, "coupon_usage_limit_reached", http.StatusBadRequest},
	{services.ErrCouponMinimumPurchaseNotMet, "coupon_minimum_purchase_not_met", http.StatusBadRequest},
	{services.ErrCouponInvalidInput, "invalid_request", http.StatusBadRequest},
}

// writeOrderError maps service sentinels onto the JSON error envelope. Messages carry the wrapped
// detail so clients see which product, coupon or status caused the failure.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, entry := range couponErrorCodes {
		if errors.Is(err, entry.err) {
			httpx.WriteError(ctx, w, httpx.NewError(entry.code, err.Error(), entry.status))
			return
		}
	}

	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidProduct):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_product", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	case errors.Is(err, payments.ErrPaymentNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_configured", "payment provider is not configured", http.StatusInternalServerError))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment session could not be created", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process order request", http.StatusInternalServerError))
	}
}
