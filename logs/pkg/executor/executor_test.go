package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/logquery/logs/pkg/executor"
	"github.com/malbeclabs/logquery/logs/pkg/executor/executortest"
	"github.com/malbeclabs/logquery/logs/pkg/query"
	"github.com/malbeclabs/logquery/logs/pkg/schema"
	logtesting "github.com/malbeclabs/logquery/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T, q executor.Querier, clock clockwork.Clock) *executor.Executor {
	t.Helper()
	e, err := executor.New(executor.Config{
		Logger:  logtesting.NewLogger(),
		Clock:   clock,
		Querier: q,
	})
	require.NoError(t, err)
	return e
}

func planFor(t *testing.T, body map[string]any) query.Plan {
	t.Helper()
	p, err := query.NewPlanner(query.PlannerConfig{Registry: schema.Default})
	require.NoError(t, err)
	req, err := p.Validate(body, false)
	require.NoError(t, err)
	return p.Plan(req)
}

func logRows(n int) *executor.Rows {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := &executor.Rows{Columns: []string{"log_date_time", "as_instance_id", "user_id"}}
	for i := range n {
		rows.Values = append(rows.Values, []any{base.Add(-time.Duration(i) * time.Minute), int64(7), "alice"})
	}
	return rows
}

func countRows(n int64) *executor.Rows {
	return &executor.Rows{Columns: []string{"total_count"}, Values: [][]any{{n}}}
}

func TestLogs_Executor_New(t *testing.T) {
	t.Parallel()

	t.Run("requires querier", func(t *testing.T) {
		t.Parallel()
		_, err := executor.New(executor.Config{Logger: logtesting.NewLogger()})
		require.ErrorContains(t, err, "querier is required")
	})

	t.Run("requires logger", func(t *testing.T) {
		t.Parallel()
		_, err := executor.New(executor.Config{Querier: executortest.NewQuerier()})
		require.ErrorContains(t, err, "logger is required")
	})
}

func TestLogs_Executor_Run(t *testing.T) {
	t.Parallel()

	t.Run("runs every planned statement", func(t *testing.T) {
		t.Parallel()
		q := executortest.NewQuerier()
		e := newExecutor(t, q, clockwork.NewFakeClock())

		plan := planFor(t, map[string]any{"groupBy": "user_id", "chartBreakdownBy": "host_name"})
		_, err := e.Run(context.Background(), plan)
		require.NoError(t, err)

		seen := map[query.Variant]bool{}
		for _, c := range q.Calls() {
			seen[c.Variant] = true
		}
		require.Equal(t, map[query.Variant]bool{
			query.VariantRows:      true,
			query.VariantCount:     true,
			query.VariantGroup:     true,
			query.VariantBreakdown: true,
		}, seen)
	})

	t.Run("page of ten out of fifteen", func(t *testing.T) {
		t.Parallel()
		q := executortest.NewQuerier()
		q.Results[query.VariantRows] = logRows(10)
		q.Results[query.VariantCount] = countRows(15)
		e := newExecutor(t, q, clockwork.NewFakeClock())

		plan := planFor(t, map[string]any{"interval": "1 hour", "pageSize": 10})
		out, err := e.Run(context.Background(), plan)
		require.NoError(t, err)
		require.Nil(t, out.Group)
		require.Nil(t, out.Breakdown)

		res, err := executor.Assemble(out)
		require.NoError(t, err)
		require.Len(t, res.Rows, 10)
		require.Equal(t, int64(15), res.TotalCount)

		body, err := json.Marshal(res)
		require.NoError(t, err)
		require.Contains(t, string(body), `"groupData":[]`)
		require.Contains(t, string(body), `"chartData":[]`)

		c, ok := q.Call(query.VariantRows)
		require.True(t, ok)
		require.Equal(t, []any{"1 hour", 10, 0}, c.Args)
	})

	t.Run("first failure cancels the rest", func(t *testing.T) {
		t.Parallel()
		q := executortest.NewQuerier()
		q.Errors[query.VariantBreakdown] = errors.New("relation does not exist")

		var cancelled atomic.Int32
		q.Hook = func(ctx context.Context, v query.Variant) error {
			if v == query.VariantBreakdown {
				return nil
			}
			select {
			case <-ctx.Done():
				cancelled.Add(1)
				return ctx.Err()
			case <-time.After(10 * time.Second):
				return nil
			}
		}
		e := newExecutor(t, q, clockwork.NewFakeClock())

		plan := planFor(t, map[string]any{"groupBy": "user_id", "chartBreakdownBy": "host_name"})
		out, err := e.Run(context.Background(), plan)
		require.Error(t, err)

		var execErr *executor.ExecutionError
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, query.VariantBreakdown, execErr.Variant)
		require.Equal(t, plan.Breakdown.SQL, execErr.SQL)
		require.Equal(t, plan.Breakdown.Args, execErr.Args)
		require.Contains(t, err.Error(), "relation does not exist")
		require.Equal(t, int32(3), cancelled.Load())
		require.Nil(t, out.Rows)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		t.Parallel()
		q := executortest.NewQuerier()
		q.Hook = func(ctx context.Context, _ query.Variant) error {
			return ctx.Err()
		}
		e := newExecutor(t, q, clockwork.NewFakeClock())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Run(ctx, planFor(t, map[string]any{}))
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("elapsed covers the slowest statement", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		q := executortest.NewQuerier()
		q.Hook = func(_ context.Context, v query.Variant) error {
			if v == query.VariantCount {
				clock.Advance(2 * time.Second)
			}
			return nil
		}
		e := newExecutor(t, q, clock)

		out, err := e.Run(context.Background(), planFor(t, map[string]any{}))
		require.NoError(t, err)
		require.Equal(t, 2*time.Second, out.Elapsed)
	})

	t.Run("reports each statement", func(t *testing.T) {
		t.Parallel()
		var mu sync.Mutex
		reported := map[query.Variant]error{}
		q := executortest.NewQuerier()
		q.Errors[query.VariantCount] = errors.New("boom")

		e, err := executor.New(executor.Config{
			Logger:  logtesting.NewLogger(),
			Clock:   clockwork.NewFakeClock(),
			Querier: q,
			OnStatement: func(v query.Variant, _ time.Duration, err error) {
				mu.Lock()
				defer mu.Unlock()
				reported[v] = err
			},
		})
		require.NoError(t, err)

		_, err = e.Run(context.Background(), planFor(t, map[string]any{}))
		require.Error(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Contains(t, reported, query.VariantCount)
		require.EqualError(t, reported[query.VariantCount], "boom")
	})
}
