package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/malbeclabs/logquery/logs/pkg/schema"
)

type ColumnInfo struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Kind       string `json:"kind"`
	Filterable bool   `json:"filterable"`
	Sortable   bool   `json:"sortable"`
	Groupable  bool   `json:"groupable"`
}

// GetColumns lists the columns clients may filter, sort and group by.
func GetColumns(reg *schema.Registry) http.HandlerFunc {
	cols := reg.Columns()
	infos := make([]ColumnInfo, 0, len(cols))
	for _, c := range cols {
		infos = append(infos, ColumnInfo{
			Name:       c.Name,
			Table:      tableOf(c),
			Kind:       c.Kind.String(),
			Filterable: c.Filterable(),
			Sortable:   c.Sortable(),
			Groupable:  c.Groupable(),
		})
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(infos)
	}
}

func tableOf(c schema.Column) string {
	if c.Alias == schema.JoinedAlias {
		return schema.JoinedTable
	}
	return schema.PrimaryTable
}
