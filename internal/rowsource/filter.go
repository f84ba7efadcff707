package rowsource

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"enrichd/internal/domain"
)

// Condition is one parsed column predicate of a filter querystring.
type Condition struct {
	Column string
	Op     string
	Value  string
}

var filterOps = map[string]bool{
	"exact": true, "not": true, "contains": true, "startswith": true, "endswith": true,
	"gt": true, "gte": true, "lt": true, "lte": true, "in": true, "notin": true,
	"isnull": true, "notnull": true, "glob": true, "like": true,
}

// ParseFilter parses a querystring of column=value and column__op=value
// pairs. Keys starting with "_" are control parameters and are ignored.
// Conditions are returned in a stable order.
func ParseFilter(qs string) ([]Condition, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(qs, "?"))
	if err != nil {
		return nil, domain.ErrValidation("invalid filter %q: %v", qs, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []Condition
	for _, key := range keys {
		if key == "" || strings.HasPrefix(key, "_") {
			continue
		}
		column, op := key, "exact"
		if i := strings.LastIndex(key, "__"); i > 0 && filterOps[key[i+2:]] {
			column, op = key[:i], key[i+2:]
		}
		for _, v := range values[key] {
			conds = append(conds, Condition{Column: column, Op: op, Value: v})
		}
	}
	return conds, nil
}

// compileFilter renders conditions as a SQL boolean expression with bound
// arguments. Columns must exist in columns.
func compileFilter(conds []Condition, columns map[string]bool) (string, []any, error) {
	var (
		parts []string
		args  []any
	)
	for _, c := range conds {
		if !columns[c.Column] {
			return "", nil, domain.ErrValidation("unknown filter column %q", c.Column)
		}
		col := QuoteIdentifier(c.Column)
		switch c.Op {
		case "exact":
			parts = append(parts, col+" = ?")
			args = append(args, c.Value)
		case "not":
			parts = append(parts, col+" != ?")
			args = append(args, c.Value)
		case "contains":
			parts = append(parts, col+" LIKE ?")
			args = append(args, "%"+c.Value+"%")
		case "startswith":
			parts = append(parts, col+" LIKE ?")
			args = append(args, c.Value+"%")
		case "endswith":
			parts = append(parts, col+" LIKE ?")
			args = append(args, "%"+c.Value)
		case "gt", "gte", "lt", "lte":
			parts = append(parts, col+" "+comparators[c.Op]+" ?")
			args = append(args, numericOrString(c.Value))
		case "in", "notin":
			list, err := splitList(c.Value)
			if err != nil {
				return "", nil, err
			}
			if len(list) == 0 {
				if c.Op == "in" {
					parts = append(parts, "1 = 0")
				}
				continue
			}
			kw := " IN ("
			if c.Op == "notin" {
				kw = " NOT IN ("
			}
			parts = append(parts, col+kw+strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")+")")
			args = append(args, list...)
		case "isnull":
			parts = append(parts, col+" IS NULL")
		case "notnull":
			parts = append(parts, col+" IS NOT NULL")
		case "glob":
			parts = append(parts, col+" GLOB ?")
			args = append(args, c.Value)
		case "like":
			parts = append(parts, col+" LIKE ?")
			args = append(args, c.Value)
		default:
			return "", nil, domain.ErrValidation("unknown filter operator %q", c.Op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

var comparators = map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}

// splitList accepts either a JSON array or a comma-separated list.
func splitList(v string) ([]any, error) {
	if strings.HasPrefix(strings.TrimSpace(v), "[") {
		var list []any
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return nil, domain.ErrValidation("invalid list %q: %v", v, err)
		}
		return list, nil
	}
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	list := make([]any, len(parts))
	for i, p := range parts {
		list[i] = p
	}
	return list, nil
}

func numericOrString(v string) any {
	n := json.Number(v)
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return v
}
