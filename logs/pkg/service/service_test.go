package service_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/logquery/logs/pkg/executor"
	"github.com/malbeclabs/logquery/logs/pkg/executor/executortest"
	"github.com/malbeclabs/logquery/logs/pkg/query"
	"github.com/malbeclabs/logquery/logs/pkg/reqlog"
	"github.com/malbeclabs/logquery/logs/pkg/schema"
	"github.com/malbeclabs/logquery/logs/pkg/service"
	logtesting "github.com/malbeclabs/logquery/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *service.Service
	querier *executortest.Querier
	rec     *reqlog.Recorder
	sink    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	q := executortest.NewQuerier()

	planner, err := query.NewPlanner(query.PlannerConfig{Registry: schema.Default})
	require.NoError(t, err)
	exec, err := executor.New(executor.Config{Logger: logtesting.NewLogger(), Clock: clock, Querier: q})
	require.NoError(t, err)
	svc, err := service.New(service.Config{
		Logger:       logtesting.NewLogger(),
		Clock:        clock,
		Planner:      planner,
		Executor:     exec,
		QueryTimeout: time.Minute,
	})
	require.NoError(t, err)

	sink := &bytes.Buffer{}
	rec, err := reqlog.NewRecorder(reqlog.Config{Sink: sink, Clock: clock})
	require.NoError(t, err)

	return &fixture{svc: svc, querier: q, rec: rec, sink: sink}
}

func (f *fixture) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(f.sink.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func (f *fixture) completion(t *testing.T) map[string]any {
	t.Helper()
	recs := f.records(t)
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	require.Equal(t, reqlog.EventRequestCompleted, last["msg"])
	return last
}

func rows(n int) *executor.Rows {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &executor.Rows{Columns: []string{"log_date_time", "as_instance_id", "host_name"}}
	for i := range n {
		r.Values = append(r.Values, []any{base.Add(-time.Duration(i) * time.Second), int64(1), "web-1"})
	}
	return r
}

func TestLogs_Service_New(t *testing.T) {
	t.Parallel()

	_, err := service.New(service.Config{Logger: logtesting.NewLogger()})
	require.ErrorContains(t, err, "planner is required")
}

func TestLogs_Service_FacetedQuery(t *testing.T) {
	t.Parallel()

	t.Run("page, total and empty facets", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.querier.Results[query.VariantRows] = rows(10)
		f.querier.Results[query.VariantCount] = &executor.Rows{Values: [][]any{{int64(15)}}}

		body := map[string]any{"interval": "1 hour", "pagination": map[string]any{"pageSize": 10}}
		span := f.rec.Begin(context.Background(), "/query/faceted", "127.0.0.1", body)
		resp := f.svc.FacetedQuery(context.Background(), span, body)
		span.End()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		res, ok := resp.Body.(*executor.Result)
		require.True(t, ok)
		require.Len(t, res.Rows, 10)
		require.Equal(t, int64(15), res.TotalCount)
		require.Empty(t, res.GroupData)
		require.Empty(t, res.ChartData)

		recs := f.records(t)
		require.Len(t, recs, 4) // arrival, rows, count, completion
		done := f.completion(t)
		require.EqualValues(t, 200, done["status"])
		require.EqualValues(t, 10, done["row_count"])
		require.EqualValues(t, 15, done["total_count"])
	})

	t.Run("window is optional", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		span := f.rec.Begin(context.Background(), "/query/faceted", "", map[string]any{})
		resp := f.svc.FacetedQuery(context.Background(), span, map[string]any{})
		span.End()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		c, ok := f.querier.Call(query.VariantCount)
		require.True(t, ok)
		require.NotContains(t, c.SQL, "WHERE")
	})

	t.Run("sql records carry bound params", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := map[string]any{
			"interval":         "2 days",
			"filters":          map[string]any{"user_id": "o'brien"},
			"groupBy":          "user_id",
			"chartBreakdownBy": "host_name",
		}

		span := f.rec.Begin(context.Background(), "/query/faceted", "", body)
		resp := f.svc.FacetedQuery(context.Background(), span, body)
		span.End()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var sqlRecs []map[string]any
		for _, r := range f.records(t) {
			if r["msg"] == reqlog.EventSQLExecuted {
				sqlRecs = append(sqlRecs, r)
			}
		}
		require.Len(t, sqlRecs, 4)
		for _, r := range sqlRecs {
			require.NotContains(t, r["sql"], "o'brien")
			params, ok := r["params"].([]any)
			require.True(t, ok)
			require.Equal(t, "2 days", params[0])
			require.Equal(t, "o'brien%", params[1])
		}
	})

	t.Run("execution failure is a 500", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.querier.Errors[query.VariantCount] = errors.New("connection reset")

		span := f.rec.Begin(context.Background(), "/query/faceted", "", map[string]any{})
		resp := f.svc.FacetedQuery(context.Background(), span, map[string]any{})
		span.End()

		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		var execErr *executor.ExecutionError
		require.ErrorAs(t, resp.Err, &execErr)
		require.Equal(t, query.VariantCount, execErr.Variant)
		eb, ok := resp.Body.(service.ErrorBody)
		require.True(t, ok)
		require.Contains(t, eb.Error, "connection reset")

		done := f.completion(t)
		require.EqualValues(t, 500, done["status"])
		require.Contains(t, done["error"], "connection reset")
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		span := f.rec.Begin(context.Background(), "/query/faceted", "", "{not json")
		resp := f.svc.Malformed(span, errors.New("invalid character"))
		span.End()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, service.ErrorBody{Error: query.ReasonMalformedBody}, resp.Body)
		require.Empty(t, f.querier.Calls())

		done := f.completion(t)
		require.EqualValues(t, 400, done["status"])
		require.EqualValues(t, 0, done["row_count"])
	})

	t.Run("non-object body", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		span := f.rec.Begin(context.Background(), "/query/faceted", "", []any{1, 2})
		resp := f.svc.FacetedQuery(context.Background(), span, []any{1, 2})
		span.End()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Empty(t, f.querier.Calls())
	})
}

func TestLogs_Service_SimpleQuery(t *testing.T) {
	t.Parallel()

	t.Run("returns rows only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.querier.Results[query.VariantRows] = rows(3)

		body := map[string]any{"interval": "1 hour"}
		span := f.rec.Begin(context.Background(), "/query", "", body)
		resp := f.svc.SimpleQuery(context.Background(), span, body)
		span.End()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		got, ok := resp.Body.([]map[string]any)
		require.True(t, ok)
		require.Len(t, got, 3)

		calls := f.querier.Calls()
		require.Len(t, calls, 1)
		require.Equal(t, query.VariantRows, calls[0].Variant)
	})

	t.Run("requires a time window", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		span := f.rec.Begin(context.Background(), "/query", "", map[string]any{})
		resp := f.svc.SimpleQuery(context.Background(), span, map[string]any{})
		span.End()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, service.ErrorBody{Error: query.ReasonMissingTimeWindow}, resp.Body)
		require.Empty(t, f.querier.Calls())
	})

	t.Run("timeout applies to execution", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.querier.Hook = func(ctx context.Context, _ query.Variant) error {
			_, ok := ctx.Deadline()
			if !ok {
				return errors.New("no deadline")
			}
			return nil
		}

		body := map[string]any{"interval": "1 hour"}
		span := f.rec.Begin(context.Background(), "/query", "", body)
		resp := f.svc.SimpleQuery(context.Background(), span, body)
		span.End()

		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
