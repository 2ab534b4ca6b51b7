// Package builtin provides the node handlers shipped with the kernel: the
// control-flow primitives the runner's routing semantics are built around
// (if, switch, loop, split_in_batches, merge), the suspension handlers
// (human, sub_workflow, delay) and a small set of executable nodes (trigger,
// set, code, http, noop).
package builtin

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/handler"
)

// Register installs every builtin handler into a registry.
func Register(reg *handler.Registry) {
	reg.Register("trigger", &TriggerHandler{})
	reg.Register("set", &SetHandler{})
	reg.Register("code", &CodeHandler{})
	reg.Register("http", NewHTTPHandler(nil))
	reg.Register("if", &IfHandler{})
	reg.Register("switch", &SwitchHandler{})
	reg.Register("loop", &LoopHandler{})
	reg.Register("split_in_batches", &SplitInBatchesHandler{})
	reg.Register("merge", &MergeHandler{})
	reg.Register("delay", &DelayHandler{})
	reg.Register("human", &HumanHandler{})
	reg.Register("sub_workflow", &SubWorkflowHandler{})
	reg.Register("noop", &NoopHandler{})
}

// configString fetches a string config field.
func configString(cfg map[string]any, key string) (string, bool) {
	s, ok := cfg[key].(string)
	return s, ok
}

// configInt fetches a numeric config field. JSON numbers arrive as float64.
func configInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// configItems fetches a list config field.
func configItems(cfg map[string]any, key string) ([]any, bool) {
	items, ok := cfg[key].([]any)
	return items, ok
}

// configStrings fetches a list of strings.
func configStrings(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// lookupPath walks dot notation through a JSON-like structure.
func lookupPath(data map[string]any, path string) (any, error) {
	if path == "" {
		return data, nil
	}
	current := any(data)
	for _, part := range strings.Split(path, ".") {
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
