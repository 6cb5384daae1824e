package common

import (
	"net/http"
	"strconv"
)

// Pagination holds pagination metadata for list responses. TotalItems counts
// every row matching the filter, not only the returned page.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// PageRequest is a page and page size read from the query string.
type PageRequest struct {
	Page    int
	PerPage int
}

// Offset returns the number of rows to skip.
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Result builds the response metadata for total matching rows.
func (p PageRequest) Result(total int) Pagination {
	pages := 0
	if total > 0 && p.PerPage > 0 {
		pages = (total + p.PerPage - 1) / p.PerPage
	}
	return Pagination{Page: p.Page, PerPage: p.PerPage, TotalItems: total, TotalPages: pages}
}

// ParsePagination reads the page and limit query parameters. A positive
// maxPerPage caps the limit.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) PageRequest {
	p := PageRequest{Page: 1, PerPage: defaultPerPage}
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		p.PerPage = v
	}
	if maxPerPage > 0 && p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}
