// Package executortest provides an in-memory Querier for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"github.com/malbeclabs/logquery/logs/pkg/executor"
	"github.com/malbeclabs/logquery/logs/pkg/query"
)

// Call is one recorded Query invocation.
type Call struct {
	Variant query.Variant
	SQL     string
	Args    []any
}

// Querier answers each statement by variant. Unconfigured variants return an
// empty result set.
type Querier struct {
	Results map[query.Variant]*executor.Rows
	Errors  map[query.Variant]error

	// Hook, if set, runs before a result is returned. A non-nil error
	// replaces the result.
	Hook func(ctx context.Context, v query.Variant) error

	mu    sync.Mutex
	calls []Call
}

func NewQuerier() *Querier {
	return &Querier{
		Results: map[query.Variant]*executor.Rows{},
		Errors:  map[query.Variant]error{},
	}
}

func (q *Querier) Query(ctx context.Context, sql string, args ...any) (*executor.Rows, error) {
	v := VariantOf(sql)

	q.mu.Lock()
	q.calls = append(q.calls, Call{Variant: v, SQL: sql, Args: args})
	result := q.Results[v]
	err := q.Errors[v]
	q.mu.Unlock()

	if q.Hook != nil {
		if hookErr := q.Hook(ctx, v); hookErr != nil {
			return nil, hookErr
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &executor.Rows{}
	}
	return result, nil
}

// Calls returns the recorded invocations.
func (q *Querier) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Call(nil), q.calls...)
}

// Call returns the recorded invocation for v, if any.
func (q *Querier) Call(v query.Variant) (Call, bool) {
	for _, c := range q.Calls() {
		if c.Variant == v {
			return c, true
		}
	}
	return Call{}, false
}

// VariantOf infers which kind of planned statement sql is.
func VariantOf(sql string) query.Variant {
	switch {
	case strings.Contains(sql, "AS total_count"):
		return query.VariantCount
	case strings.Contains(sql, "AS bucket"):
		return query.VariantBreakdown
	case strings.Contains(sql, "AS key"):
		return query.VariantGroup
	default:
		return query.VariantRows
	}
}
