package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError converts validator failures into a 400 envelope listing each offending field.
func ValidationError(err error) Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError("invalid_request", err.Error(), http.StatusBadRequest)
	}
	fields := make([]map[string]string, 0, len(verrs))
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldName(fe)
		fields = append(fields, map[string]string{"field": field, "rule": fe.Tag()})
		messages = append(messages, fmt.Sprintf("%s failed %s", field, describeRule(fe)))
	}
	return NewError("invalid_request", strings.Join(messages, "; "), http.StatusBadRequest).
		WithDetails(map[string]any{"fields": fields})
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	if ns == "" {
		ns = fe.Field()
	}
	return ns
}

func describeRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
