package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loomworks/loom/internal/handler"
)

var (
	// templateRegex matches {{ $input.path }}, {{ $vars.name }} and
	// {{ $output.node.path }} references inside string config values.
	templateRegex = regexp.MustCompile(`\{\{\s*\$(input|vars|output)\.([^}\s]+)\s*\}\}`)
	// arrayIndexRegex matches array[index] path segments.
	arrayIndexRegex = regexp.MustCompile(`^(.*)\[(\d+)\]$`)
)

// TemplateEnv is the scope template references resolve against.
type TemplateEnv struct {
	Input   map[string]any
	Vars    map[string]any
	Outputs map[string]any
}

// ResolveConfig returns a copy of the node config with every template
// reference replaced. A reference that does not resolve yields a template
// error surfaced as a node failure.
func ResolveConfig(config map[string]any, env *TemplateEnv) (map[string]any, *handler.NodeError) {
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		v, err := resolveValue(value, env)
		if err != nil {
			return nil, &handler.NodeError{Kind: handler.ErrTemplate, Message: fmt.Sprintf("field %s: %v", key, err)}
		}
		resolved[key] = v
	}
	return resolved, nil
}

func resolveValue(value any, env *TemplateEnv) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			r, err := resolveValue(inner, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			r, err := resolveValue(inner, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString substitutes template references. When the whole string is a
// single reference the typed value is returned instead of its string form.
func resolveString(s string, env *TemplateEnv) (any, error) {
	matches := templateRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single reference keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		groups := templateRegex.FindStringSubmatch(s)
		return lookup(groups[1], groups[2], env)
	}

	var resolveErr error
	result := templateRegex.ReplaceAllStringFunc(s, func(match string) string {
		groups := templateRegex.FindStringSubmatch(match)
		value, err := lookup(groups[1], groups[2], env)
		if err != nil {
			resolveErr = err
			return match
		}
		return toString(value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return result, nil
}

func lookup(scope, path string, env *TemplateEnv) (any, error) {
	switch scope {
	case "input":
		return valueByPath(env.Input, path)
	case "vars":
		return valueByPath(env.Vars, path)
	case "output":
		parts := strings.SplitN(path, ".", 2)
		nodeOutput, ok := env.Outputs[parts[0]]
		if !ok {
			return nil, fmt.Errorf("no output published by node %q", parts[0])
		}
		if len(parts) == 1 {
			return nodeOutput, nil
		}
		m, ok := nodeOutput.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("output of node %q is not an object", parts[0])
		}
		return valueByPath(m, parts[1])
	}
	return nil, fmt.Errorf("unknown template scope %q", scope)
}

// valueByPath walks dot notation with array indexing, e.g.
// "body.users[0].name".
func valueByPath(data map[string]any, path string) (any, error) {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		if matches := arrayIndexRegex.FindStringSubmatch(part); matches != nil {
			key, indexStr := matches[1], matches[2]
			if key != "" {
				m, ok := current.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("cannot access %q on non-object", key)
				}
				current, ok = m[key]
				if !ok {
					return nil, fmt.Errorf("key %q not found", key)
				}
			}
			arr, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index non-array at %q", part)
			}
			index, err := strconv.Atoi(indexStr)
			if err != nil || index < 0 || index >= len(arr) {
				return nil, fmt.Errorf("array index %q out of bounds", indexStr)
			}
			current = arr[index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into non-object at %q", part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	return current, nil
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
