package checkpoint

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"diverga/pkg/protocol"
)

//go:embed default_map.yaml
var defaultMapYAML []byte

// AgentDeps lists the checkpoints an agent needs and the ones it owns.
type AgentDeps struct {
	EntryPoint     bool     `json:"entry_point,omitempty" yaml:"entry_point,omitempty" toml:"entry_point,omitempty"`
	Prerequisites  []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty" toml:"prerequisites,omitempty"`
	OwnCheckpoints []string `json:"own_checkpoints,omitempty" yaml:"own_checkpoints,omitempty" toml:"own_checkpoints,omitempty"`
}

// DepMap maps lowercase agent ids to their dependencies.
type DepMap map[string]AgentDeps

type mapFile struct {
	Agents DepMap `json:"agents" yaml:"agents" toml:"agents"`
}

// DefaultMap returns a fresh copy of the built-in dependency map.
func DefaultMap() DepMap {
	m, err := ParseMap(defaultMapYAML, "yaml")
	if err != nil {
		panic(fmt.Sprintf("checkpoint: embedded default map: %v", err))
	}
	return m
}

// LoadMap reads a dependency map, choosing the decoder by file extension
// (.yaml, .yml, .toml or .json).
func LoadMap(path string) (DepMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read dependency map: %w", protocol.ErrInvalidArgument, err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	m, err := ParseMap(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseMap decodes a dependency map document in the given format.
func ParseMap(data []byte, format string) (DepMap, error) {
	var f mapFile
	var err error
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &f)
	case "toml":
		err = toml.Unmarshal(data, &f)
	case "json":
		err = json.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("%w: unsupported dependency map format %q", protocol.ErrInvalidArgument, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse dependency map: %w", protocol.ErrInvalidArgument, err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("%w: dependency map has no agents", protocol.ErrInvalidArgument)
	}

	out := make(DepMap, len(f.Agents))
	for id, deps := range f.Agents {
		out[protocol.NormalizeAgentID(id)] = deps
	}
	return out, nil
}

// Resolve finds the map key for an agent id: the exact lowercase id, or the
// part before the first '-'.
func (m DepMap) Resolve(agentID string) (string, bool) {
	id := protocol.NormalizeAgentID(agentID)
	if _, ok := m[id]; ok {
		return id, true
	}
	if prefix, _, found := strings.Cut(id, "-"); found {
		if _, ok := m[prefix]; ok {
			return prefix, true
		}
	}
	return id, false
}

// Agents returns the map keys in sorted order.
func (m DepMap) Agents() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
