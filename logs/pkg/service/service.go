// Package service runs log queries end to end: validate, plan, execute,
// assemble. HTTP concerns stay with the caller.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/logquery/logs/pkg/executor"
	"github.com/malbeclabs/logquery/logs/pkg/query"
	"github.com/malbeclabs/logquery/logs/pkg/reqlog"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
}

// Response is a status code and a JSON-encodable body. Err carries the
// underlying failure for non-2xx responses.
type Response struct {
	StatusCode int
	Body       any
	Err        error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Planner  *query.Planner
	Executor *executor.Executor

	// QueryTimeout bounds the execution phase of one request. Zero means
	// no bound beyond the caller's context.
	QueryTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Planner == nil {
		return errors.New("planner is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.QueryTimeout < 0 {
		return errors.New("query timeout must not be negative")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Service struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// SimpleQuery requires a time window and returns only the page of rows as
// a JSON array.
func (s *Service) SimpleQuery(ctx context.Context, span *reqlog.Span, body any) Response {
	req, err := s.cfg.Planner.Validate(body, true)
	if err != nil {
		return s.fail(span, err)
	}
	plan := s.cfg.Planner.Plan(req)
	s.trace(span, req, plan.Rows)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	results, elapsed, err := s.cfg.Executor.RunStatements(ctx, plan.Rows)
	span.SetSQLDuration(elapsed)
	if err != nil {
		return s.fail(span, err)
	}

	t0 := s.cfg.Clock.Now()
	rows := executor.RowMaps(results[0])
	span.AddTransform(s.cfg.Clock.Since(t0))

	span.SetCounts(len(rows), int64(len(rows)))
	return s.ok(span, rows)
}

// FacetedQuery accepts an optional time window and returns the page of
// rows, the total count, and any requested group and chart data.
func (s *Service) FacetedQuery(ctx context.Context, span *reqlog.Span, body any) Response {
	req, err := s.cfg.Planner.Validate(body, false)
	if err != nil {
		return s.fail(span, err)
	}
	plan := s.cfg.Planner.Plan(req)
	s.trace(span, req, plan.Statements()...)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.cfg.Executor.Run(ctx, plan)
	span.SetSQLDuration(out.Elapsed)
	if err != nil {
		return s.fail(span, err)
	}

	t0 := s.cfg.Clock.Now()
	res, err := executor.Assemble(out)
	span.AddTransform(s.cfg.Clock.Since(t0))
	if err != nil {
		return s.fail(span, err)
	}

	span.SetCounts(len(res.Rows), res.TotalCount)
	return s.ok(span, res)
}

// Malformed answers a request whose body could not be decoded.
func (s *Service) Malformed(span *reqlog.Span, cause error) Response {
	s.log.Debug("service: undecodable body", "request_id", span.ID(), "error", cause)
	return s.fail(span, &query.ValidationError{Reason: query.ReasonMalformedBody})
}

func (s *Service) trace(span *reqlog.Span, req query.Request, stmts ...query.Statement) {
	if len(req.Dropped) > 0 {
		s.log.Info("service: ignored request inputs", "request_id", span.ID(), "dropped", req.Dropped)
	}
	s.log.Debug("service: planned query", "request_id", span.ID(), "request", req.String(), "statements", len(stmts))
	for _, stmt := range stmts {
		span.SQL(string(stmt.Variant), stmt.SQL, stmt.Args)
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) ok(span *reqlog.Span, body any) Response {
	span.SetStatus(http.StatusOK)
	return Response{StatusCode: http.StatusOK, Body: body}
}

func (s *Service) fail(span *reqlog.Span, err error) Response {
	span.SetError(err)

	var vErr *query.ValidationError
	if errors.As(err, &vErr) {
		s.log.Warn("service: rejected request", "request_id", span.ID(), "reason", vErr.Reason)
		span.SetStatus(http.StatusBadRequest)
		return Response{StatusCode: http.StatusBadRequest, Body: ErrorBody{Error: vErr.Reason}, Err: err}
	}

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		s.log.Error("service: query failed",
			"request_id", span.ID(),
			"variant", execErr.Variant,
			"sql", execErr.SQL,
			"params", execErr.Args,
			"error", execErr.Err,
		)
	} else {
		s.log.Error("service: request failed", "request_id", span.ID(), "error", err)
	}
	span.SetStatus(http.StatusInternalServerError)
	return Response{StatusCode: http.StatusInternalServerError, Body: ErrorBody{Error: err.Error()}, Err: err}
}
