package protocol

import "sort"

// ActiveList is the checkpoint list new records are appended to.
const ActiveList = "active"

// CheckpointsDoc is the layout of checkpoints.yaml. Records are grouped in
// named lists (active, stage1, ...); readers consider every list.
type CheckpointsDoc struct {
	Checkpoints map[string][]Checkpoint `yaml:"checkpoints"`
}

// All flattens the document, active list first and the remaining lists in
// name order. A later duplicate of an id replaces the earlier one.
func (d CheckpointsDoc) All() []Checkpoint {
	names := make([]string, 0, len(d.Checkpoints))
	for name := range d.Checkpoints {
		if name != ActiveList {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	names = append([]string{ActiveList}, names...)

	var out []Checkpoint
	index := make(map[string]int)
	for _, name := range names {
		for _, cp := range d.Checkpoints[name] {
			if cp.CheckpointID == "" {
				continue
			}
			if i, ok := index[cp.CheckpointID]; ok {
				out[i] = cp
				continue
			}
			index[cp.CheckpointID] = len(out)
			out = append(out, cp)
		}
	}
	return out
}

// Put replaces the record with the same id wherever it lives, or appends it
// to the active list.
func (d *CheckpointsDoc) Put(cp Checkpoint) {
	if d.Checkpoints == nil {
		d.Checkpoints = make(map[string][]Checkpoint)
	}
	replaced := false
	for name, list := range d.Checkpoints {
		kept := list[:0]
		for _, existing := range list {
			if existing.CheckpointID != cp.CheckpointID {
				kept = append(kept, existing)
				continue
			}
			if !replaced {
				kept = append(kept, cp)
				replaced = true
			}
		}
		d.Checkpoints[name] = kept
	}
	if !replaced {
		d.Checkpoints[ActiveList] = append(d.Checkpoints[ActiveList], cp)
	}
}

// DecisionLogDoc is the layout of decision-log.yaml.
type DecisionLogDoc struct {
	Decisions []Decision `yaml:"decisions"`
}

// Snapshot is the backend-neutral export of the coordination state.
type Snapshot struct {
	Version         string         `json:"version" yaml:"version"`
	ExportedAt      string         `json:"exported_at" yaml:"exported_at"`
	ProjectState    map[string]any `json:"project_state" yaml:"project_state"`
	Checkpoints     []Checkpoint   `json:"checkpoints" yaml:"checkpoints"`
	Decisions       []Decision     `json:"decisions" yaml:"decisions"`
	PriorityContext string         `json:"priority_context" yaml:"priority_context"`
}
