package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/malbeclabs/logquery/logs/pkg/schema"
)

// UnknownCategory labels breakdown rows whose category value is NULL.
const UnknownCategory = "unknown"

// GroupCount is one row of groupData.
type GroupCount struct {
	Key   any   `json:"key"`
	Count int64 `json:"count"`
}

// CategoryCount is one entry of a bucket's breakdown.
type CategoryCount struct {
	Category string
	Count    int64
}

// Breakdown maps category to count. It marshals as a JSON object whose key
// order is the order of the slice, count descending as the database sorted it.
type Breakdown []CategoryCount

func (b Breakdown) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Category)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(c.Count, 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the count for category, or 0.
func (b Breakdown) Get(category string) int64 {
	for _, c := range b {
		if c.Category == category {
			return c.Count
		}
	}
	return 0
}

// ChartPoint is one hourly bucket of chartData. Count is the sum of the
// bucket's breakdown.
type ChartPoint struct {
	BucketTimestamp time.Time `json:"bucketTimestamp"`
	Count           int64     `json:"count"`
	Breakdown       Breakdown `json:"breakdown"`
}

// Result is the faceted response body.
type Result struct {
	Rows       []map[string]any `json:"logs"`
	TotalCount int64            `json:"totalCount"`
	GroupData  []GroupCount     `json:"groupData"`
	ChartData  []ChartPoint     `json:"chartData"`
}

// Assemble merges the raw result sets of a successful run. groupData and
// chartData are empty, never null, when not requested.
func Assemble(out Outcome) (*Result, error) {
	res := &Result{
		Rows:      RowMaps(out.Rows),
		GroupData: []GroupCount{},
		ChartData: []ChartPoint{},
	}

	if out.Count.Len() > 0 && len(out.Count.Values[0]) > 0 {
		total, err := decodeCount(out.Count.Values[0][0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode total count: %w", err)
		}
		res.TotalCount = total
	}

	if out.Group != nil {
		for _, row := range out.Group.Values {
			if len(row) < 2 {
				return nil, fmt.Errorf("group row has %d columns, want 2", len(row))
			}
			n, err := decodeCount(row[1])
			if err != nil {
				return nil, fmt.Errorf("failed to decode group count: %w", err)
			}
			res.GroupData = append(res.GroupData, GroupCount{Key: toJSONSafe(row[0]), Count: n})
		}
	}

	if out.Breakdown != nil {
		chart, err := assembleChart(out.Breakdown)
		if err != nil {
			return nil, err
		}
		res.ChartData = chart
	}

	return res, nil
}

// assembleChart folds (bucket, category, count) rows, already ordered by
// bucket ascending then count descending, into chart points.
func assembleChart(rows *Rows) ([]ChartPoint, error) {
	chart := []ChartPoint{}
	for _, row := range rows.Values {
		if len(row) < 3 {
			return nil, fmt.Errorf("breakdown row has %d columns, want 3", len(row))
		}
		bucket, ok := row[0].(time.Time)
		if !ok {
			return nil, fmt.Errorf("breakdown bucket has type %T", row[0])
		}
		bucket = bucket.UTC()
		n, err := decodeCount(row[2])
		if err != nil {
			return nil, fmt.Errorf("failed to decode breakdown count: %w", err)
		}

		if len(chart) == 0 || !chart[len(chart)-1].BucketTimestamp.Equal(bucket) {
			chart = append(chart, ChartPoint{BucketTimestamp: bucket})
		}
		point := &chart[len(chart)-1]
		point.Count += n

		category := categoryLabel(row[1])
		merged := false
		for i := range point.Breakdown {
			if point.Breakdown[i].Category == category {
				point.Breakdown[i].Count += n
				merged = true
				break
			}
		}
		if !merged {
			point.Breakdown = append(point.Breakdown, CategoryCount{Category: category, Count: n})
		}
	}
	return chart, nil
}

func categoryLabel(v any) string {
	safe := toJSONSafe(v)
	if safe == nil {
		return UnknownCategory
	}
	if s, ok := safe.(string); ok {
		return s
	}
	return fmt.Sprint(safe)
}

// RowMaps converts a row result set into JSON-safe objects keyed by column
// name. Each row gets an "id" built from its instance id and timestamp so
// clients have a stable key.
func RowMaps(rows *Rows) []map[string]any {
	out := make([]map[string]any, 0, rows.Len())
	if rows == nil {
		return out
	}
	for _, values := range rows.Values {
		m := make(map[string]any, len(rows.Columns)+1)
		for i, col := range rows.Columns {
			if i < len(values) {
				m[col] = toJSONSafe(values[i])
			}
		}
		if _, ok := m["id"]; !ok {
			inst, hasInst := m[schema.JoinKey]
			ts, hasTS := m[schema.TimestampColumn]
			if hasInst && hasTS {
				m["id"] = fmt.Sprintf("%v-%v", inst, ts)
			}
		}
		out = append(out, m)
	}
	return out
}

func decodeCount(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integral count %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported count type %T", v)
	}
}

// toJSONSafe converts driver values to values encoding/json can always
// marshal. Timestamps keep sub-second precision.
func toJSONSafe(v any) any {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case float32:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil
		}
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil
			}
			return toJSONSafe(rv.Elem().Interface())
		}
		return v
	}
}
