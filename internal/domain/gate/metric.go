package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
)

// Operators accepted by metric_threshold gates.
var operators = map[string]func(a, b float64) bool{
	">=": func(a, b float64) bool { return a >= b },
	">":  func(a, b float64) bool { return a > b },
	"<=": func(a, b float64) bool { return a <= b },
	"<":  func(a, b float64) bool { return a < b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

// checkMetric supports two forms:
//
//	{metric, operator, threshold}  compare one metric value
//	{expression}                   boolean expr over the metadata map
//
// A metric starting with "." is a jq path; otherwise it is a plain key, then a
// dotted walk through nested maps.
func (e *Evaluator) checkMetric(cfg map[string]any, in Input) (bool, string, error) {
	if exprSrc, err := stringOpt(cfg, "expression", false); err != nil {
		return false, "", err
	} else if exprSrc != "" {
		return e.checkExpression(exprSrc, in.Metadata)
	}

	metric, err := stringOpt(cfg, "metric", true)
	if err != nil {
		return false, "", err
	}
	op, err := stringOpt(cfg, "operator", false)
	if err != nil {
		return false, "", err
	}
	if op == "" {
		op = ">="
	}
	cmp, ok := operators[op]
	if !ok {
		return false, "", fmt.Errorf("unknown operator %q", op)
	}
	threshold, ok := toFloat(cfg["threshold"])
	if !ok {
		return false, "", fmt.Errorf("threshold must be numeric, got %T", cfg["threshold"])
	}

	raw, found, err := lookupMetric(metric, in.Metadata)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, fmt.Sprintf("metric %q not reported", metric), nil
	}
	val, ok := toFloat(raw)
	if !ok {
		return false, fmt.Sprintf("metric %q is not numeric (%v)", metric, raw), nil
	}
	if !cmp(val, threshold) {
		return false, fmt.Sprintf("%s = %g, want %s %g", metric, val, op, threshold), nil
	}
	return true, fmt.Sprintf("%s = %g %s %g", metric, val, op, threshold), nil
}

func (e *Evaluator) checkExpression(src string, md map[string]any) (bool, string, error) {
	prog, err := e.compile(src)
	if err != nil {
		return false, "", err
	}
	env := md
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Sprintf("expression %q failed: %v", src, err), nil
	}
	passed, _ := out.(bool)
	return passed, fmt.Sprintf("expression %q = %v", src, passed), nil
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.progs[src]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	e.mu.Lock()
	e.progs[src] = prog
	e.mu.Unlock()
	return prog, nil
}

func lookupMetric(metric string, md map[string]any) (any, bool, error) {
	if strings.HasPrefix(metric, ".") {
		return queryJQ(metric, md)
	}
	if v, ok := md[metric]; ok {
		return v, true, nil
	}
	var cur any = md
	for _, part := range strings.Split(metric, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		if cur, ok = m[part]; !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

func queryJQ(path string, md map[string]any) (any, bool, error) {
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, false, fmt.Errorf("parse jq path: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, false, fmt.Errorf("compile jq path: %w", err)
	}
	data, err := normalize(md)
	if err != nil {
		return nil, false, err
	}
	iter := code.Run(data)
	v, ok := iter.Next()
	if !ok || v == nil {
		return nil, false, nil
	}
	if qerr, isErr := v.(error); isErr {
		return nil, false, fmt.Errorf("jq path %s: %w", path, qerr)
	}
	return v, true, nil
}

// normalize round-trips metadata through JSON so gojq only sees the value types it
// accepts (maps, slices, float64, string, bool, nil).
func normalize(md map[string]any) (any, error) {
	if md == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringOpt(cfg map[string]any, key string, required bool) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	if required && s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// stringList reads a list of strings. Values decoded from JSON arrive as []any.
func stringList(cfg map[string]any, key string) ([]string, error) {
	switch v := cfg[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of strings, got %T", key, v)
	}
}
