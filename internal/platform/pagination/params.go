package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	domain "github.com/hanko-field/store-api/internal/domain"
)

const (
	// DefaultLimit is the number of items returned when the client omits limit.
	DefaultLimit = 20
	// DefaultMaxLimit caps limit to prevent unbounded queries.
	DefaultMaxLimit = 100

	// MaxOffset bounds how deep a client may page with offsets.
	MaxOffset = 10000
)

// Params holds limit/offset values extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// Pagination converts the params into the domain representation used by repositories.
func (p Params) Pagination() domain.Pagination {
	return domain.Pagination{Limit: p.Limit, Offset: p.Offset}
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

var (
	ErrInvalidLimit  = errors.New("pagination: invalid limit")
	ErrInvalidOffset = errors.New("pagination: invalid offset")
)

// FromRequest parses limit and offset from the request query string.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns normalised Params. Oversized limits are
// clamped rather than rejected.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	limit, err := parseLimit(values.Get("limit"), opts)
	if err != nil {
		return Params{}, err
	}
	offset, err := parseOffset(values.Get("offset"))
	if err != nil {
		return Params{}, err
	}
	return Params{Limit: limit, Offset: offset}, nil
}

func parseLimit(raw string, opts Options) (int, error) {
	maxLimit := opts.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	defaultLimit := opts.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLimit, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidLimit)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidLimit)
	}
	if value > maxLimit {
		value = maxLimit
	}
	return value, nil
}

func parseOffset(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidOffset)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidOffset)
	}
	if value > MaxOffset {
		return 0, fmt.Errorf("%w: must not exceed %d", ErrInvalidOffset, MaxOffset)
	}
	return value, nil
}
