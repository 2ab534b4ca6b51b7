package workflow

import (
	"encoding/json"
	"fmt"
)

// ParseDefinition decodes the editor wire format. Unknown top-level and
// per-node fields are ignored for forward compatibility; structural
// validation beyond well-formedness is the compiler's job.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	for i := range def.Edges {
		if def.Edges[i].Kind == "" {
			def.Edges[i].Kind = EdgeKindDefault
		}
	}
	return &def, nil
}

// ConfigMap decodes a node's opaque config into a map. A missing config is an
// empty map, not an error.
func (n Node) ConfigMap() (map[string]any, error) {
	if len(n.Data.Config) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(n.Data.Config, &m); err != nil {
		return nil, fmt.Errorf("node %s: decode config: %w", n.ID, err)
	}
	return m, nil
}
