package query

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TimeWindow is either a relative interval ("24 hours") or an explicit
// from/to range. The zero value is unbounded.
type TimeWindow struct {
	Interval string
	From     string
	To       string
}

func (w TimeWindow) Relative() bool { return w.Interval != "" }
func (w TimeWindow) Range() bool    { return w.Interval == "" && w.From != "" && w.To != "" }
func (w TimeWindow) Unbounded() bool {
	return !w.Relative() && !w.Range()
}

type Direction int

const (
	Descending Direction = iota
	Ascending
)

func (d Direction) SQL() string {
	if d == Ascending {
		return "ASC"
	}
	return "DESC"
}

func parseDirection(v any) Direction {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return Ascending
	default:
		return Descending
	}
}

// Sort is an optional ordering. An empty Column means the default order.
type Sort struct {
	Column    string
	Direction Direction
}

// Filter is an equality (integer columns) or prefix (text columns) match.
// Value is the canonical string form of the caller's scalar.
type Filter struct {
	Column string
	Value  string
}

// Request is a validated query request. Every column name it carries is
// present in the registry it was validated against.
type Request struct {
	Window      TimeWindow
	Filters     []Filter
	Sort        Sort
	Pagination  Pagination
	GroupBy     string
	BreakdownBy string

	// Dropped lists inputs that were ignored, for logging only.
	Dropped []string
}

// Validate checks the shape of a decoded JSON body and returns a Request.
// Only a non-object body or a missing required time window fail; anything
// else that does not fit falls back to defaults.
func (p *Planner) Validate(raw any, requireWindow bool) (Request, error) {
	body, ok := raw.(map[string]any)
	if !ok {
		return Request{}, validationErr(ReasonMalformedBody)
	}

	var req Request

	req.Window = parseTimeWindow(body)
	if req.Window.Unbounded() && requireWindow {
		return Request{}, validationErr(ReasonMissingTimeWindow)
	}

	req.Pagination = parsePagination(body["pagination"], p.cfg.MaxPageSize)

	if s, ok := body["sort"].(map[string]any); ok {
		col, _ := s["column"].(string)
		switch {
		case col == "":
			// Direction alone applies to the default column.
			req.Sort.Direction = parseDirection(s["direction"])
		case p.reg.IsSortable(col):
			req.Sort = Sort{Column: col, Direction: parseDirection(s["direction"])}
		default:
			req.Dropped = append(req.Dropped, "sort.column="+col)
		}
	}

	req.GroupBy = p.groupable(body, "groupBy", &req.Dropped)
	req.BreakdownBy = p.groupable(body, "chartBreakdownBy", &req.Dropped)

	if filters, ok := body["filters"].(map[string]any); ok {
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, k := range keys {
			if !p.reg.IsFilterable(k) {
				req.Dropped = append(req.Dropped, "filters."+k)
				continue
			}
			v, ok := scalarString(filters[k])
			if !ok {
				req.Dropped = append(req.Dropped, "filters."+k)
				continue
			}
			if strings.TrimSpace(v) == "" {
				continue
			}
			req.Filters = append(req.Filters, Filter{Column: k, Value: v})
		}
	}

	return req, nil
}

func (p *Planner) groupable(body map[string]any, field string, dropped *[]string) string {
	col, _ := body[field].(string)
	if col == "" {
		return ""
	}
	if !p.reg.IsGroupable(col) {
		*dropped = append(*dropped, field+"="+col)
		return ""
	}
	return col
}

// parseTimeWindow prefers the relative interval when both forms are given.
func parseTimeWindow(body map[string]any) TimeWindow {
	if s, ok := body["interval"].(string); ok {
		if s = strings.TrimSpace(s); s != "" {
			return TimeWindow{Interval: s}
		}
	}
	if dr, ok := body["dateRange"].(map[string]any); ok {
		from, _ := dr["from"].(string)
		to, _ := dr["to"].(string)
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from != "" && to != "" {
			return TimeWindow{From: from, To: to}
		}
	}
	return TimeWindow{}
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

// String renders the request for log lines.
func (r Request) String() string {
	var sb strings.Builder
	switch {
	case r.Window.Relative():
		fmt.Fprintf(&sb, "interval=%q", r.Window.Interval)
	case r.Window.Range():
		fmt.Fprintf(&sb, "range=%q..%q", r.Window.From, r.Window.To)
	default:
		sb.WriteString("unbounded")
	}
	fmt.Fprintf(&sb, " filters=%d page=%d size=%d", len(r.Filters), r.Pagination.Page, r.Pagination.PageSize)
	if r.Sort.Column != "" {
		fmt.Fprintf(&sb, " sort=%s:%s", r.Sort.Column, r.Sort.Direction.SQL())
	}
	if r.GroupBy != "" {
		fmt.Fprintf(&sb, " group=%s", r.GroupBy)
	}
	if r.BreakdownBy != "" {
		fmt.Fprintf(&sb, " breakdown=%s", r.BreakdownBy)
	}
	return sb.String()
}
