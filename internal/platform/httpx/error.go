package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/store-api/internal/platform/requestctx"
)

// Error is an API failure. Code is the stable machine-readable identifier clients switch on
// (insufficient_stock, coupon_expired, ...); Message is for humans.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func NewError(code, message string, status int) Error {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    oneLine(code, 80),
		Message: oneLine(message, 512),
		Status:  status,
	}
}

// WithDetails merges extra top-level fields into the envelope. Envelope keys cannot be overridden.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		e.Details = maps.Clone(details)
	}
	return e
}

// WriteError renders
//
//	{"error": code, "message": ..., "status": 409, "request_id": ..., "trace_id": ..., <details>}
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	body := make(map[string]any, len(err.Details)+5)
	maps.Copy(body, err.Details)
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = err.Status
	if id := oneLine(middleware.GetReqID(ctx), 80); id != "" {
		body["request_id"] = id
	}
	if id := requestctx.TraceID(ctx); id != "" {
		body["trace_id"] = id
	}
	WriteJSON(w, err.Status, body)
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func oneLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
