package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/logquery/logs/pkg/schema"
)

// Variant names one of the statements derived from a request.
type Variant string

const (
	VariantRows      Variant = "rows"
	VariantCount     Variant = "count"
	VariantGroup     Variant = "group"
	VariantBreakdown Variant = "breakdown"
)

// Statement is parameterized SQL ready for execution.
type Statement struct {
	Variant Variant
	SQL     string
	Args    []any
}

// Plan holds the statements for one request. Group and Breakdown are nil
// when the request did not ask for them.
type Plan struct {
	Request   Request
	Predicate Predicate
	Rows      Statement
	Count     Statement
	Group     *Statement
	Breakdown *Statement
}

// Statements returns the planned statements in a fixed order.
func (p Plan) Statements() []Statement {
	stmts := []Statement{p.Rows, p.Count}
	if p.Group != nil {
		stmts = append(stmts, *p.Group)
	}
	if p.Breakdown != nil {
		stmts = append(stmts, *p.Breakdown)
	}
	return stmts
}

var fromClause = fmt.Sprintf("FROM %s %s JOIN %s %s ON %s.%s = %s.%s",
	schema.PrimaryTable, schema.PrimaryAlias,
	schema.JoinedTable, schema.JoinedAlias,
	schema.PrimaryAlias, schema.JoinKey, schema.JoinedAlias, schema.JoinKey,
)

type PlannerConfig struct {
	Registry    *schema.Registry
	MaxPageSize int
}

func (cfg *PlannerConfig) Validate() error {
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.MaxPageSize < 0 {
		return errors.New("max page size must not be negative")
	}

	// Optional with default
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = MaxPageSize
	}
	return nil
}

// Planner validates requests and compiles them into statements. It holds
// no mutable state and is safe for concurrent use.
type Planner struct {
	cfg PlannerConfig
	reg *schema.Registry
}

func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Planner{cfg: cfg, reg: cfg.Registry}, nil
}

// Plan compiles the shared predicate and builds every statement from it.
func (p *Planner) Plan(req Request) Plan {
	return p.Build(req, p.Compile(req))
}

// Build derives the row, count, group and breakdown statements from one
// predicate. Only the row statement gets extra (pagination) parameters,
// appended after the shared ones.
func (p *Planner) Build(req Request, pred Predicate) Plan {
	where := pred.Where()
	plan := Plan{Request: req, Predicate: pred}

	ts := schema.PrimaryAlias + "." + schema.TimestampColumn
	order := ts + " " + req.Sort.Direction.SQL()
	if req.Sort.Column != "" {
		col := p.mustQualify(req.Sort.Column)
		order = col + " " + req.Sort.Direction.SQL()
		if col != ts {
			order += ", " + ts + " DESC"
		}
	}

	rowArgs := append(pred.Args(), req.Pagination.Limit(), req.Pagination.Offset())
	n := len(pred.Params)
	plan.Rows = Statement{
		Variant: VariantRows,
		SQL: "SELECT " + strings.Join(p.reg.Projection(), ", ") + " " + fromClause + where +
			" ORDER BY " + order +
			fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2),
		Args: rowArgs,
	}

	plan.Count = Statement{
		Variant: VariantCount,
		SQL:     "SELECT COUNT(*) AS total_count " + fromClause + where,
		Args:    pred.Args(),
	}

	if req.GroupBy != "" {
		col := p.mustQualify(req.GroupBy)
		plan.Group = &Statement{
			Variant: VariantGroup,
			SQL: "SELECT " + col + " AS key, COUNT(*) AS count " + fromClause + where +
				" GROUP BY " + col + " ORDER BY count DESC, key ASC",
			Args: pred.Args(),
		}
	}

	if req.BreakdownBy != "" {
		col := p.mustQualify(req.BreakdownBy)
		plan.Breakdown = &Statement{
			Variant: VariantBreakdown,
			SQL: "SELECT date_trunc('hour', " + ts + " AT TIME ZONE 'UTC') AS bucket, " +
				col + " AS category, COUNT(*) AS count " + fromClause + where +
				" GROUP BY 1, 2 ORDER BY 1 ASC, 3 DESC, 2 ASC",
			Args: pred.Args(),
		}
	}

	return plan
}

func (p *Planner) mustQualify(name string) string {
	q, err := p.reg.Qualify(name)
	if err != nil {
		panic(fmt.Sprintf("query: unvalidated column: %v", err))
	}
	return q
}
