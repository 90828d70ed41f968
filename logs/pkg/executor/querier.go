package executor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Rows is a fully read result set.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Querier runs one parameterized read statement. Implementations must be
// safe for concurrent use; the executor issues up to four calls at once.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (*Rows, error)
}

// PgxQuerier is the subset of pgxpool.Pool used by PostgresQuerier.
type PgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresQuerier adapts a pgx pool to Querier. Each call acquires its own
// connection from the pool.
type PostgresQuerier struct {
	db PgxQuerier
}

func NewPostgresQuerier(db PgxQuerier) *PostgresQuerier {
	return &PostgresQuerier{db: db}
}

func (q *PostgresQuerier) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &Rows{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		out.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
