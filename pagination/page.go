package pagination

import (
	"math"
	"net/url"
	"strconv"

	"optiver-forecast/apperr"
)

// Default paging values used when a request carries none.
const (
	DefaultPage     = 1
	DefaultPageSize = 10
)

// Request is a 1-indexed page selection.
type Request struct {
	Page     int
	PageSize int
}

// Validate rejects pages and sizes below 1. The page is not checked against
// the number of available pages.
func (r Request) Validate() error {
	if r.Page < 1 {
		return apperr.Validation("page must be >= 1, got %d", r.Page)
	}
	if r.PageSize < 1 {
		return apperr.Validation("page_size must be >= 1, got %d", r.PageSize)
	}
	return nil
}

// Offset returns the number of records before the first one on the page. It
// saturates at math.MaxInt instead of wrapping for very large pages.
func (r Request) Offset() int {
	if r.Page < 1 || r.PageSize < 1 {
		return 0
	}
	if r.Page-1 > math.MaxInt/r.PageSize {
		return math.MaxInt
	}
	return (r.Page - 1) * r.PageSize
}

// PastEnd reports whether the page starts after the last of total records.
func (r Request) PastEnd(total int64) bool {
	return int64(r.Page-1) >= TotalPages(total, r.PageSize)
}

// RequestFromQuery reads page and page_size from query parameters. Values
// that are present but not integers are a validation error; page_size is
// capped at maxSize.
func RequestFromQuery(q url.Values, defaultSize, maxSize int) (Request, error) {
	req := Request{Page: DefaultPage, PageSize: defaultSize}
	if req.PageSize < 1 {
		req.PageSize = DefaultPageSize
	}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, apperr.Validation("page must be an integer")
		}
		req.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, apperr.Validation("page_size must be an integer")
		}
		req.PageSize = n
	}
	if maxSize > 0 && req.PageSize > maxSize {
		req.PageSize = maxSize
	}
	return req, req.Validate()
}

// Page is the paginated response envelope returned by every list endpoint.
type Page[T any] struct {
	TotalResults int64 `json:"total_results"`
	TotalPages   int64 `json:"total_pages"`
	Page         int   `json:"page"`
	PageSize     int   `json:"page_size"`
	Data         []T   `json:"data"`
}

// TotalPages returns ceil(total/size). Zero results is zero pages.
func TotalPages(total int64, size int) int64 {
	if size <= 0 || total <= 0 {
		return 0
	}
	s := int64(size)
	return (total + s - 1) / s
}

// NewPage builds the envelope for one slice of a narrowed set of total records.
func NewPage[T any](data []T, total int64, req Request) Page[T] {
	if data == nil {
		data = []T{}
	}
	return Page[T]{
		TotalResults: total,
		TotalPages:   TotalPages(total, req.PageSize),
		Page:         req.Page,
		PageSize:     req.PageSize,
		Data:         data,
	}
}

// Empty reports whether the page carries no records.
func (p Page[T]) Empty() bool {
	return len(p.Data) == 0
}

// NotFoundIfEmpty turns an empty narrowed set into a not-found error. A page
// past the end of a non-empty set is returned as is.
func NotFoundIfEmpty[T any](p Page[T], message string) (Page[T], error) {
	if p.TotalResults == 0 {
		return p, apperr.NotFound("%s", message)
	}
	return p, nil
}
