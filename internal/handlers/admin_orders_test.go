package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/store-api/internal/domain"
	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/services"
)

func newAdminRouter(h *AdminOrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", h.Routes)
	return router
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.UpdateOrderStatusCommand
	service := &stubOrderService{
		updateFn: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, cmd.Status)
			order.TrackingNumber = cmd.TrackingNumber
			return order, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(nil, service, ""))

	body := `{"status":"fulfilled","note":"shipped via UPS","tracking_number":"1Z999"}`
	req := asUser(httptest.NewRequest(http.MethodPatch, "/admin/orders/ord_1/status", strings.NewReader(body)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Status != domain.OrderStatusFulfilled || captured.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Note == nil || *captured.Note != "shipped via UPS" {
		t.Fatalf("expected note forwarded, got %v", captured.Note)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != "FULFILLED" || resp.Order.TrackingNumber == nil || *resp.Order.TrackingNumber != "1Z999" {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
}

func TestAdminOrderHandlersUpdateStatusRequiresAdmin(t *testing.T) {
	service := &stubOrderService{
		updateFn: func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error) {
			t.Fatalf("service must not be called for non-admin callers")
			return services.Order{}, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(nil, service, ""))

	req := asUser(httptest.NewRequest(http.MethodPatch, "/admin/orders/ord_1/status", strings.NewReader(`{"status":"PAID"}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersUpdateStatusRejections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "unknown status", body: `{"status":"SHIPPED"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "missing status", body: `{}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "concurrent update", body: `{"status":"PENDING"}`, err: fmt.Errorf("%w: version mismatch", services.ErrOrderConflict), status: http.StatusConflict, code: "order_conflict"},
		{name: "missing order", body: `{"status":"PAID"}`, err: services.ErrOrderNotFound, status: http.StatusNotFound, code: "order_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				updateFn: func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error) {
					if tc.err == nil {
						t.Fatalf("service must not be called for invalid input")
					}
					return services.Order{}, tc.err
				},
			}
			router := newAdminRouter(NewAdminOrderHandlers(nil, service, "ops"))
			req := asUser(httptest.NewRequest(http.MethodPatch, "/admin/orders/ord_1/status", strings.NewReader(tc.body)), "admin-1", "ops")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestAdminOrderHandlersListOrdersQueriesAll(t *testing.T) {
	var captured services.ListOrdersQuery
	service := &stubOrderService{
		listFn: func(_ context.Context, query services.ListOrdersQuery) (domain.OffsetPage[services.Order], error) {
			captured = query
			return domain.OffsetPage[services.Order]{
				Items: []services.Order{sampleOrder("ord_1", domain.OrderStatusPending), sampleOrder("ord_2", domain.OrderStatusPaid)},
				Total: 2,
				Limit: 50,
			}, nil
		},
	}
	router := newAdminRouter(NewAdminOrderHandlers(nil, service, ""))

	req := asUser(httptest.NewRequest(http.MethodGet, "/admin/orders?limit=50&status=PENDING", nil), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !captured.All || !captured.Requester.Admin || captured.Pagination.Limit != 50 {
		t.Fatalf("unexpected query %+v", captured)
	}
	if len(captured.Statuses) != 1 || captured.Statuses[0] != domain.OrderStatusPending {
		t.Fatalf("unexpected statuses %v", captured.Statuses)
	}
	var resp orderHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 2 || resp.Pagination.Total != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
}
