package schema

import (
	"errors"
	"fmt"
	"slices"
)

// Table aliases used in every generated statement.
const (
	PrimaryTable = "as_log_info"
	PrimaryAlias = "ali"
	JoinedTable  = "as_start_log_info"
	JoinedAlias  = "asli"

	// JoinKey is the column shared by both tables.
	JoinKey = "as_instance_id"

	// TimestampColumn is the primary event time, used for time windows,
	// default ordering and chart buckets.
	TimestampColumn = "log_date_time"
)

var ErrUnknownColumn = errors.New("unknown column")

// UnknownColumnError reports a column name outside the registry.
type UnknownColumnError struct {
	Name string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownColumn, e.Name)
}

func (e *UnknownColumnError) Unwrap() error {
	return ErrUnknownColumn
}

// Kind decides how a column is compared in a filter predicate.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// Column describes one whitelisted column.
type Column struct {
	Name  string
	Alias string
	Kind  Kind

	// NoGroup marks free-text columns whose cardinality makes grouping useless.
	NoGroup bool
}

// Qualified returns the table-qualified column reference.
func (c Column) Qualified() string {
	return c.Alias + "." + c.Name
}

func (c Column) Filterable() bool { return c.Kind != KindTimestamp }
func (c Column) Sortable() bool   { return true }
func (c Column) Groupable() bool  { return !c.NoGroup }

// primaryColumns and joinedColumns are disjoint. Projection order follows
// the original listing: start-log context first, then the log entry.
var (
	primaryColumns = []Column{
		{Name: TimestampColumn, Alias: PrimaryAlias, Kind: KindTimestamp},
		{Name: JoinKey, Alias: PrimaryAlias, Kind: KindInteger},
		{Name: "user_id", Alias: PrimaryAlias, Kind: KindText},
		{Name: "report_id_name", Alias: PrimaryAlias, Kind: KindText},
		{Name: "error_number", Alias: PrimaryAlias, Kind: KindInteger},
		{Name: "xql_query_id", Alias: PrimaryAlias, Kind: KindText},
		{Name: "log_message", Alias: PrimaryAlias, Kind: KindText, NoGroup: true},
	}
	joinedColumns = []Column{
		{Name: "host_name", Alias: JoinedAlias, Kind: KindText},
		{Name: "repository_path", Alias: JoinedAlias, Kind: KindText},
		{Name: "port_number", Alias: JoinedAlias, Kind: KindInteger},
		{Name: "version_number", Alias: JoinedAlias, Kind: KindText},
		{Name: "as_server_mode", Alias: JoinedAlias, Kind: KindText},
		{Name: "as_start_date_time", Alias: JoinedAlias, Kind: KindTimestamp},
		{Name: "as_server_config", Alias: JoinedAlias, Kind: KindText, NoGroup: true},
	}

	projection = []string{
		"ali.log_date_time",
		"asli.host_name",
		"asli.repository_path",
		"asli.port_number",
		"asli.version_number",
		"asli.as_server_mode",
		"asli.as_start_date_time",
		"asli.as_server_config",
		"ali.user_id",
		"ali.report_id_name",
		"ali.error_number",
		"ali.xql_query_id",
		"ali.log_message",
		"ali.as_instance_id",
	}
)

// Registry is the closed set of identifiers that may appear in SQL text.
// It is immutable and safe for concurrent use.
type Registry struct {
	byName  map[string]Column
	columns []Column
}

// Default is the registry for the AS log tables.
var Default = newRegistry(primaryColumns, joinedColumns)

func newRegistry(sets ...[]Column) *Registry {
	r := &Registry{byName: make(map[string]Column)}
	for _, set := range sets {
		for _, c := range set {
			if _, dup := r.byName[c.Name]; dup {
				panic("schema: column " + c.Name + " registered twice")
			}
			r.byName[c.Name] = c
			r.columns = append(r.columns, c)
		}
	}
	return r
}

// Lookup returns the column registered under name.
func (r *Registry) Lookup(name string) (Column, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) IsFilterable(name string) bool {
	c, ok := r.byName[name]
	return ok && c.Filterable()
}

func (r *Registry) IsSortable(name string) bool {
	c, ok := r.byName[name]
	return ok && c.Sortable()
}

func (r *Registry) IsGroupable(name string) bool {
	c, ok := r.byName[name]
	return ok && c.Groupable()
}

// Qualify returns the table-qualified reference for name. The alias comes
// from the registry entry, never from the caller.
func (r *Registry) Qualify(name string) (string, error) {
	c, ok := r.byName[name]
	if !ok {
		return "", &UnknownColumnError{Name: name}
	}
	return c.Qualified(), nil
}

// Columns returns all registered columns, primary table first.
func (r *Registry) Columns() []Column {
	return slices.Clone(r.columns)
}

// Projection returns the canonical select list for row queries.
func (r *Registry) Projection() []string {
	return slices.Clone(projection)
}
