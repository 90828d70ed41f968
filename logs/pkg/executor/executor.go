package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/logquery/logs/pkg/query"
	"golang.org/x/sync/errgroup"
)

// maxBranches bounds the statements of one plan that run at the same time.
const maxBranches = 4

// ExecutionError reports the statement that failed a run.
type ExecutionError struct {
	Variant query.Variant
	SQL     string
	Args    []any
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s query failed: %v", e.Variant, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Querier Querier

	// OnStatement, if set, is called after every statement with its
	// duration and error.
	OnStatement func(variant query.Variant, d time.Duration, err error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Querier == nil {
		return errors.New("querier is required")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Outcome holds raw result sets. Group and Breakdown are nil when the plan
// had no such statement.
type Outcome struct {
	Rows      *Rows
	Count     *Rows
	Group     *Rows
	Breakdown *Rows

	// Elapsed is the wall time of the concurrent phase.
	Elapsed time.Duration
}

// Run executes every statement of the plan concurrently. It returns when all
// have finished or the first one fails; a failure cancels the rest and no
// partial outcome is returned.
func (e *Executor) Run(ctx context.Context, plan query.Plan) (Outcome, error) {
	stmts := plan.Statements()
	results, elapsed, err := e.RunStatements(ctx, stmts...)
	out := Outcome{Elapsed: elapsed}
	if err != nil {
		return out, err
	}

	for i, stmt := range stmts {
		switch stmt.Variant {
		case query.VariantRows:
			out.Rows = results[i]
		case query.VariantCount:
			out.Count = results[i]
		case query.VariantGroup:
			out.Group = results[i]
		case query.VariantBreakdown:
			out.Breakdown = results[i]
		}
	}
	return out, nil
}

// RunStatements executes stmts concurrently and returns their results in
// the same order.
func (e *Executor) RunStatements(ctx context.Context, stmts ...query.Statement) ([]*Rows, time.Duration, error) {
	start := e.cfg.Clock.Now()
	results := make([]*Rows, len(stmts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBranches)

	for i, stmt := range stmts {
		g.Go(func() error {
			t0 := e.cfg.Clock.Now()
			rows, err := e.cfg.Querier.Query(gctx, stmt.SQL, stmt.Args...)
			d := e.cfg.Clock.Since(t0)
			if e.cfg.OnStatement != nil {
				e.cfg.OnStatement(stmt.Variant, d, err)
			}
			if err != nil {
				return &ExecutionError{Variant: stmt.Variant, SQL: stmt.SQL, Args: stmt.Args, Err: err}
			}
			e.log.Debug("executor: statement done", "variant", stmt.Variant, "rows", rows.Len(), "duration", d)
			results[i] = rows
			return nil
		})
	}

	err := g.Wait()
	elapsed := e.cfg.Clock.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	return results, elapsed, nil
}
