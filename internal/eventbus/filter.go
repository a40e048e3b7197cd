package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"device-relay/internal/domain"
)

var ErrInvalidFilter = errors.New("invalid event filter")

// CompileFilter turns a CEL expression into a Filter. The expression sees
// type, sequence, ts_ms, route (map of routing hints) and data (the event
// payload as JSON values). An empty expression matches everything.
//
//	type == "annotation.created" && route.sessionId == "s1"
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("route", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("data", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return func(ev domain.Event) bool {
		route := ev.Route
		if route == nil {
			route = map[string]string{}
		}
		out, _, err := prog.Eval(map[string]any{
			"type":     ev.Type,
			"sequence": int64(ev.Sequence),
			"ts_ms":    ev.Timestamp.UnixMilli(),
			"route":    route,
			"data":     jsonValue(ev.Data),
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// jsonValue normalizes arbitrary payloads into maps, lists and scalars.
func jsonValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// TypeFilter matches events whose type is one of types. No types matches all.
func TypeFilter(types ...string) Filter {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev domain.Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// RouteFilter matches events carrying key=value among their routing hints.
func RouteFilter(key, value string) Filter {
	return func(ev domain.Event) bool { return ev.RouteValue(key) == value }
}

// All combines filters; nil entries are ignored.
func All(filters ...Filter) Filter {
	var fs []Filter
	for _, f := range filters {
		if f != nil {
			fs = append(fs, f)
		}
	}
	if len(fs) == 0 {
		return nil
	}
	return func(ev domain.Event) bool {
		for _, f := range fs {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}
