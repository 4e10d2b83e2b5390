package devserver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/sparkchat/sparksync/internal/schema"
)

const (
	tableConversations = "conversations"
	tableMessages      = "messages"
)

// columns lists the filterable and sortable columns per table.
var columns = map[string]map[string]bool{
	tableConversations: {"id": true, "user_id": true, "title": true, "created_at": true},
	tableMessages: {"id": true, "conversation_id": true, "user_id": true, "role": true,
		"content": true, "created_at": true},
}

type filter struct {
	column string
	value  string
}

type ordering struct {
	column string
	desc   bool
}

// Query is the supported subset of PostgREST query parameters:
// select=*, order=col[.asc|.desc], col=eq.value and limit=n.
type Query struct {
	Filters []filter
	Order   []ordering
	Select  []string
	Limit   int
}

// ParseQuery parses PostgREST parameters for table.
func ParseQuery(table string, params url.Values) (Query, error) {
	cols, ok := columns[table]
	if !ok {
		return Query{}, fmt.Errorf("%w: unknown table %q", ErrBadRequest, table)
	}

	var q Query
	for key, values := range params {
		for _, v := range values {
			switch key {
			case "select":
				if v == "*" || v == "" {
					continue
				}
				for _, c := range strings.Split(v, ",") {
					c = strings.TrimSpace(c)
					if !cols[c] {
						return Query{}, fmt.Errorf("%w: unknown column %q", ErrBadRequest, c)
					}
					q.Select = append(q.Select, c)
				}
			case "order":
				for _, term := range strings.Split(v, ",") {
					parts := strings.Split(strings.TrimSpace(term), ".")
					if !cols[parts[0]] {
						return Query{}, fmt.Errorf("%w: unknown order column %q", ErrBadRequest, parts[0])
					}
					o := ordering{column: parts[0]}
					for _, mod := range parts[1:] {
						switch mod {
						case "asc":
						case "desc":
							o.desc = true
						case "nullsfirst", "nullslast":
						default:
							return Query{}, fmt.Errorf("%w: unknown order modifier %q", ErrBadRequest, mod)
						}
					}
					q.Order = append(q.Order, o)
				}
			case "limit":
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return Query{}, fmt.Errorf("%w: invalid limit %q", ErrBadRequest, v)
				}
				q.Limit = n
			default:
				if !cols[key] {
					return Query{}, fmt.Errorf("%w: unknown column %q", ErrBadRequest, key)
				}
				val, ok := strings.CutPrefix(v, "eq.")
				if !ok {
					return Query{}, fmt.Errorf("%w: only eq filters are supported (%s=%s)", ErrBadRequest, key, v)
				}
				if key == "id" || key == "conversation_id" {
					if id, err := schema.NormalizeID(val); err == nil {
						val = id
					}
				}
				q.Filters = append(q.Filters, filter{column: key, value: val})
			}
		}
	}
	return q, nil
}

// apply adds filters, ordering and limit to tx. Column names were
// checked against the table by ParseQuery; apply checks them again for
// queries built by hand.
func (q Query) apply(tx *gorm.DB, table string) (*gorm.DB, error) {
	cols := columns[table]
	for _, f := range q.Filters {
		if !cols[f.column] {
			return nil, fmt.Errorf("%w: unknown column %q", ErrBadRequest, f.column)
		}
		tx = tx.Where(f.column+" = ?", f.value)
	}
	for _, o := range q.Order {
		if !cols[o.column] {
			return nil, fmt.Errorf("%w: unknown order column %q", ErrBadRequest, o.column)
		}
		dir := " ASC"
		if o.desc {
			dir = " DESC"
		}
		tx = tx.Order(o.column + dir)
	}
	if len(q.Order) == 0 {
		tx = tx.Order("created_at ASC")
	}
	tx = tx.Order("id ASC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx, nil
}

// project keeps only the selected columns of each row.
func (q Query) project(rows []any) ([]any, error) {
	if len(q.Select) == 0 {
		return rows, nil
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		full, err := toMap(row)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, len(q.Select))
		for _, c := range q.Select {
			m[c] = full[c]
		}
		out[i] = m
	}
	return out, nil
}
