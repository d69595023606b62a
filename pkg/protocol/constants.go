package protocol

// Directory and file names used by the document backend and by exports.
const (
	// ResearchDir holds the human-facing, version-controlled documents.
	ResearchDir = "research"

	// SystemDir holds coordination files that are not meant for review
	// (priority context, sequences, comm mailboxes). Older projects also kept
	// their research documents here, so it doubles as a read-only fallback.
	SystemDir = ".research"

	// CommDir is the messaging subdirectory of SystemDir.
	CommDir = "comm"

	ProjectStateFile    = "project-state.yaml"
	CheckpointsFile     = "checkpoints.yaml"
	DecisionLogFile     = "decision-log.yaml"
	PriorityContextFile = "priority-context.md"
	SequencesFile       = "sequences.yaml"
	AgentsFile          = "agents.json"
	MessagesFile        = "messages.json"
	ChannelsFile        = "channels.json"

	// DatabaseFile is the default relational store file name inside SystemDir.
	DatabaseFile = "diverga.db"
)

// ExportVersion tags every snapshot document.
const ExportVersion = "9.0.0"

// DefaultOrchestrator is the conventional recipient of progress reports.
const DefaultOrchestrator = "i0-orchestrator"

// DefaultPriorityMaxChars caps the priority-context buffer when the caller
// does not supply a limit.
const DefaultPriorityMaxChars = 500
