package protocol

import "strings"

// Level is how strongly a checkpoint gates progress.
type Level string

const (
	LevelRequired    Level = "REQUIRED"
	LevelRecommended Level = "RECOMMENDED"
	LevelOptional    Level = "OPTIONAL"
	LevelUnknown     Level = "UNKNOWN"
)

// ParseLevel matches a level name case-insensitively.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelRequired:
		return LevelRequired, true
	case LevelRecommended:
		return LevelRecommended, true
	case LevelOptional:
		return LevelOptional, true
	case LevelUnknown:
		return LevelUnknown, true
	}
	return "", false
}

//nolint:gochecknoglobals // static lookup table
var checkpointLevels = map[string]Level{
	"CP_RESEARCH_DIRECTION":       LevelRequired,
	"CP_PARADIGM_SELECTION":       LevelRequired,
	"CP_SCOPE_DEFINITION":         LevelRequired,
	"CP_THEORY_SELECTION":         LevelRequired,
	"CP_METHODOLOGY_APPROVAL":     LevelRequired,
	"CP_VARIABLE_DEFINITION":      LevelRecommended,
	"CP_DATABASE_SELECTION":       LevelRecommended,
	"CP_SEARCH_STRATEGY":          LevelRecommended,
	"CP_SAMPLE_PLANNING":          LevelRecommended,
	"CP_SCREENING_CRITERIA":       LevelRecommended,
	"CP_RAG_READINESS":            LevelRecommended,
	"CP_DATA_EXTRACTION":          LevelRecommended,
	"CP_ANALYSIS_PLAN":            LevelRecommended,
	"CP_QUALITY_GATES":            LevelRecommended,
	"CP_PEER_REVIEW":              LevelOptional,
	"CP_PUBLICATION_READY":        LevelOptional,
	"CP_VISUALIZATION_PREFERENCE": LevelOptional,
	"SCH_DATABASE_SELECTION":      LevelRequired,
	"SCH_API_KEY_VALIDATION":      LevelRequired,
	"SCH_SCREENING_CRITERIA":      LevelRequired,
	"SCH_RAG_READINESS":           LevelRecommended,
}

// levelPrefixes apply to ids missing from checkpointLevels, longest first.
//
//nolint:gochecknoglobals // static lookup table
var levelPrefixes = []struct {
	prefix string
	level  Level
}{
	{"CP_VS_", LevelRequired},
	{"CP_HUMANIZATION_", LevelOptional},
}

// CheckpointLevel resolves the level of a checkpoint id from the static table
// and then from prefix rules. Anything else is LevelUnknown.
func CheckpointLevel(checkpointID string) Level {
	id := strings.ToUpper(strings.TrimSpace(checkpointID))
	if l, ok := checkpointLevels[id]; ok {
		return l
	}
	for _, p := range levelPrefixes {
		if strings.HasPrefix(id, p.prefix) {
			return p.level
		}
	}
	return LevelUnknown
}

// Stage groups checkpoints of one research phase, in workflow order.
type Stage struct {
	Name        string
	Checkpoints []string
}

// Stages returns the research stages in workflow order.
func Stages() []Stage {
	return []Stage{
		{Name: "foundation", Checkpoints: []string{"CP_RESEARCH_DIRECTION", "CP_PARADIGM_SELECTION", "CP_SCOPE_DEFINITION"}},
		{Name: "theory", Checkpoints: []string{"CP_THEORY_SELECTION", "CP_VARIABLE_DEFINITION"}},
		{Name: "methodology", Checkpoints: []string{"CP_METHODOLOGY_APPROVAL"}},
		{Name: "design", Checkpoints: []string{"CP_DATABASE_SELECTION", "CP_SEARCH_STRATEGY", "CP_SAMPLE_PLANNING"}},
		{Name: "execution", Checkpoints: []string{"CP_SCREENING_CRITERIA", "CP_RAG_READINESS", "CP_DATA_EXTRACTION"}},
		{Name: "analysis", Checkpoints: []string{"CP_ANALYSIS_PLAN"}},
		{Name: "validation", Checkpoints: []string{"CP_QUALITY_GATES", "CP_PEER_REVIEW", "CP_PUBLICATION_READY"}},
	}
}

// StageOf returns the stage name a checkpoint belongs to, or "" when the
// checkpoint is not part of the staged workflow.
func StageOf(checkpointID string) string {
	id := strings.ToUpper(strings.TrimSpace(checkpointID))
	for _, s := range Stages() {
		for _, cp := range s.Checkpoints {
			if cp == id {
				return s.Name
			}
		}
	}
	return ""
}
