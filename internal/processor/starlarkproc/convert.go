package starlarkproc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.starlark.net/starlark"

	"enrichd/internal/domain"
)

func rowToStarlark(row domain.Row) (starlark.Value, error) {
	return toStarlark(map[string]any(row))
}

// toStarlark converts decoded row and config values. Maps become frozen
// dicts so scripts cannot mutate shared config between rows.
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("convert number %q: %w", x, err)
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case time.Time:
		return starlark.String(x.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		list := starlark.NewList(elems)
		list.Freeze()
		return list, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := toStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		dict.Freeze()
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported value of type %T", v)
}

// fromStarlark converts a script result to a value a database driver
// accepts. Lists and dicts are stored as JSON text.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return x.String(), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case *starlark.List, starlark.Tuple, *starlark.Dict:
		plain, err := toPlain(v)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(plain)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", v.Type(), err)
		}
		return string(b), nil
	}
	return nil, domain.ErrValidation("cannot store value of type %s", v.Type())
}

func toPlain(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return new(big.Int).Set(x.BigInt()), nil
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := toPlain(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			pe, err := toPlain(e)
			if err != nil {
				return nil, err
			}
			out[i] = pe
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, domain.ErrValidation("dict keys must be strings, got %s", item[0].Type())
			}
			pe, err := toPlain(item[1])
			if err != nil {
				return nil, err
			}
			out[k] = pe
		}
		return out, nil
	case starlark.Bytes:
		return string(x), nil
	}
	return fromStarlark(v)
}

func updatesFromDict(d *starlark.Dict) (map[string]any, error) {
	values := make(map[string]any, d.Len())
	for _, item := range d.Items() {
		col, ok := starlark.AsString(item[0])
		if !ok || col == "" {
			return nil, domain.ErrValidation("enrich result keys must be column names, got %s", item[0].String())
		}
		v, err := fromStarlark(item[1])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		values[col] = v
	}
	return values, nil
}
