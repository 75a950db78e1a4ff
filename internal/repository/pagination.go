package repository

import "gorm.io/gorm"

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageRequest selects a 1-based page. Out of range values are clamped.
type PageRequest struct {
	Page     int
	PageSize int
}

type PageResult[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

func (p PageRequest) clamp() PageRequest {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	switch {
	case p.PageSize < 1:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

func (p PageRequest) offset() int {
	return (p.Page - 1) * p.PageSize
}

// NewPageResult wraps one page of items. A nil slice is returned as empty so
// it encodes as [] rather than null.
func NewPageResult[T any](req PageRequest, total int64, items []T) PageResult[T] {
	req = req.clamp()
	if items == nil {
		items = []T{}
	}
	var pages int
	if total > 0 {
		size := int64(req.PageSize)
		pages = int((total + size - 1) / size)
	}
	return PageResult[T]{Items: items, Page: req.Page, PageSize: req.PageSize, Total: total, TotalPages: pages}
}

// paginate counts the rows matched by base and loads the requested window
// with load. Pages past the end skip the second query.
func paginate[T any](base *gorm.DB, req PageRequest, load func(q *gorm.DB, dst *[]T) error) (PageResult[T], error) {
	req = req.clamp()
	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return PageResult[T]{}, err
	}
	var items []T
	if total > int64(req.offset()) {
		window := base.Session(&gorm.Session{}).Offset(req.offset()).Limit(req.PageSize)
		if err := load(window, &items); err != nil {
			return PageResult[T]{}, err
		}
	}
	return NewPageResult(req, total, items), nil
}
