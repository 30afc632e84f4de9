package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Scope is the data visible to templates and branch conditions.
type Scope struct {
	// Steps maps step id to its recorded result.
	Steps map[string]*StepResult
	// Result is the result of the step that just ran, for branch conditions.
	Result *StepResult
	// Error is the error of the most recent failed step, if any.
	Error   string
	Trigger Trigger
}

// Env converts the scope into the map the expression evaluator reads.
// Step results are exposed as {status, output, error}.
func (s Scope) Env() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, r := range s.Steps {
		steps[id] = resultEnv(r)
	}
	return map[string]any{
		"steps":   steps,
		"result":  resultEnv(s.Result),
		"error":   s.Error,
		"trigger": string(s.Trigger),
	}
}

func resultEnv(r *StepResult) any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"status": string(r.Status),
		"output": r.Output,
		"error":  r.Error,
	}
}

// ResolveString expands every {{ expr }} in s. Non-string values are
// rendered as JSON, null as the empty string.
func ResolveString(s string, env map[string]any) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := templatePattern.FindStringSubmatch(match)[1]
		v, err := evalTemplate(inner, env)
		if err != nil {
			firstErr = err
			return match
		}
		return render(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveValue expands templates in strings nested anywhere inside v. A
// string that is exactly one template keeps the value's type, so
// `{{ steps.count.output }}` can pass a number or an object.
func ResolveValue(v any, env map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		if m := templatePattern.FindStringSubmatchIndex(x); m != nil && m[0] == 0 && m[1] == len(x) {
			return evalTemplate(x[m[2]:m[3]], env)
		}
		return ResolveString(x, env)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			resolved, err := ResolveValue(val, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			resolved, err := ResolveValue(val, env)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}

func evalTemplate(src string, env map[string]any) (any, error) {
	expr, err := Compile(src)
	if err != nil {
		return nil, fmt.Errorf("template {{ %s }}: %w", src, err)
	}
	v, err := expr.Eval(env)
	if err != nil {
		return nil, fmt.Errorf("template {{ %s }}: %w", src, err)
	}
	return v, nil
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(string(data))
}
