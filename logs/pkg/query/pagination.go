package query

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Pagination is a 1-indexed page window.
type Pagination struct {
	Page     int
	PageSize int
}

func (p Pagination) Limit() int {
	return p.PageSize
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// parsePagination reads {page, pageSize}. Anything that is not a positive
// integer falls back to the default; page size is clamped to maxPageSize.
func parsePagination(raw any, maxPageSize int) Pagination {
	p := Pagination{Page: DefaultPage, PageSize: DefaultPageSize}

	obj, ok := raw.(map[string]any)
	if !ok {
		return p
	}

	if n, ok := positiveInt(obj["page"]); ok {
		p.Page = n
	}
	if n, ok := positiveInt(obj["pageSize"]); ok {
		p.PageSize = n
		if maxPageSize > 0 && p.PageSize > maxPageSize {
			p.PageSize = maxPageSize
		}
	}
	return p
}

// positiveInt accepts JSON numbers and numeric strings.
func positiveInt(v any) (int, bool) {
	var f float64
	switch val := v.(type) {
	case json.Number:
		parsed, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = val
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		f = float64(parsed)
	default:
		return 0, false
	}

	if f < 1 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
