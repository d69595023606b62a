package store

import (
	"encoding/json"
	"fmt"

	"diverga/pkg/protocol"
)

// DeepMerge returns a new tree with updates merged into base. When both
// sides hold an object at a key the objects merge recursively; any other
// value, arrays included, replaces the old one. Neither input is modified.
func DeepMerge(base, updates map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		oldObj, oldOK := out[k].(map[string]any)
		newObj, newOK := v.(map[string]any)
		if oldOK && newOK {
			out[k] = DeepMerge(oldObj, newObj)
			continue
		}
		out[k] = v
	}
	return out
}

// NormalizeTree converts a decoded tree to the shapes encoding/json produces
// (map[string]any, []any, float64, string, bool, nil). Both backends pass
// stored trees through it so identical writes read back identically.
// Values JSON cannot carry, such as NaN or infinities, are rejected with
// protocol.ErrInvalidArgument.
func NormalizeTree(tree map[string]any) (map[string]any, error) {
	if tree == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidArgument, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidArgument, err)
	}
	return out, nil
}

// NormalizeValue is NormalizeTree for a single value such as message content.
func NormalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
