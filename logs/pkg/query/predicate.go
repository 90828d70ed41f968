package query

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/logquery/logs/pkg/schema"
)

// Predicate is the WHERE clause shared by every statement of a plan.
// Params[i] is bound to placeholder $(i+1).
type Predicate struct {
	Clauses []string
	Params  []any
}

// Where renders the clause with a leading space, or "" when empty.
func (p Predicate) Where() string {
	if len(p.Clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.Clauses, " AND ")
}

// Args returns a copy of the parameter vector, never nil.
func (p Predicate) Args() []any {
	return append(make([]any, 0, len(p.Params)+2), p.Params...)
}

type predicateBuilder struct {
	Predicate
}

// bind appends v and returns its placeholder.
func (b *predicateBuilder) bind(v any) string {
	b.Params = append(b.Params, v)
	return fmt.Sprintf("$%d", len(b.Params))
}

func (b *predicateBuilder) add(clause string) {
	b.Clauses = append(b.Clauses, clause)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Compile turns the time window and filters of a validated request into a
// parameterized predicate. Caller values only ever reach the parameter
// vector; identifiers come from the registry.
func (p *Planner) Compile(req Request) Predicate {
	var b predicateBuilder
	ts := schema.PrimaryAlias + "." + schema.TimestampColumn

	switch {
	case req.Window.Relative():
		b.add(ts + " > NOW() - (" + b.bind(req.Window.Interval) + "::text)::interval")
	case req.Window.Range():
		from := b.bind(req.Window.From)
		to := b.bind(req.Window.To)
		b.add(ts + " BETWEEN (" + from + "::text)::timestamptz AND (" + to + "::text)::timestamptz")
	}

	for _, f := range req.Filters {
		col, ok := p.reg.Lookup(f.Column)
		if !ok || !col.Filterable() {
			panic(fmt.Sprintf("query: unvalidated filter column %q", f.Column))
		}
		switch col.Kind {
		case schema.KindInteger:
			b.add(col.Qualified() + " = (" + b.bind(f.Value) + "::text)::bigint")
		default:
			b.add(col.Qualified() + " LIKE " + b.bind(likeEscaper.Replace(f.Value)+"%"))
		}
	}

	return b.Predicate
}
