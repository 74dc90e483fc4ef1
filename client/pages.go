package client

import (
	"context"
	"net/url"
	"strconv"

	"optiver-forecast/apperr"
	"optiver-forecast/pagination"
)

func withPage(query url.Values, page, size int) url.Values {
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	return q
}

// GetPage fetches one page of a paginated collection.
func GetPage[T any](ctx context.Context, c *Client, path string, query url.Values, page, size int) (pagination.Page[T], error) {
	var out pagination.Page[T]
	err := c.get(ctx, path, withPage(query, page, size), &out)
	return out, err
}

// GetAll walks every page of a paginated collection. A not-found answer for
// the first page means the collection is empty.
func GetAll[T any](ctx context.Context, c *Client, path string, query url.Values, size int) ([]T, error) {
	first, err := GetPage[T](ctx, c, path, query, 1, size)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, first.TotalResults)
	items = append(items, first.Data...)
	for page := 2; int64(page) <= first.TotalPages; page++ {
		next, err := GetPage[T](ctx, c, path, query, page, size)
		if err != nil {
			return nil, err
		}
		items = append(items, next.Data...)
	}
	return items, nil
}
