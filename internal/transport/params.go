package transport

import (
	"net/http"
	"strconv"

	"github.com/pitabwire/procura/model"
)

const defaultPageSize = 20

// pageParams holds the parsed page, page_size, sort and order parameters.
type pageParams struct {
	Page       int
	PageSize   int
	Sort       string
	Descending bool
}

func (p pageParams) limit() int  { return p.PageSize }
func (p pageParams) offset() int { return (p.Page - 1) * p.PageSize }

// parsePage reads the list parameters. page_size is capped at maxPageSize.
func parsePage(r *http.Request, maxPageSize int) (pageParams, error) {
	q := r.URL.Query()
	p := pageParams{Page: 1, PageSize: defaultPageSize, Sort: q.Get("sort")}

	var details []model.FieldError
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			details = append(details, model.FieldError{Field: "page", Code: "MIN", Message: "must be a positive integer"})
		} else {
			p.Page = n
		}
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			details = append(details, model.FieldError{Field: "page_size", Code: "MIN", Message: "must be a positive integer"})
		} else {
			p.PageSize = n
		}
	}
	if maxPageSize > 0 && p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}

	switch q.Get("order") {
	case "", "asc":
	case "desc":
		p.Descending = true
	default:
		details = append(details, model.FieldError{Field: "order", Code: "ONEOF", Message: "must be one of asc desc"})
	}

	if len(details) > 0 {
		return pageParams{}, model.NewValidationError(details)
	}
	return p, nil
}

func newPage[T any](data []T, total int, p pageParams) model.Page[T] {
	if data == nil {
		data = []T{}
	}
	return model.Page[T]{Data: data, TotalCount: total, Page: p.Page, PageSize: p.PageSize}
}
