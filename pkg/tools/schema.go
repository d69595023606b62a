package tools

// Tool describes one callable operation for tool-dispatch clients.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func stringList(description string) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": map[string]any{"type": "string"}}
}

func anyContent(description string) map[string]any {
	return map[string]any{"type": []string{"string", "object"}, "description": description}
}

func priorityProp() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Message priority (default normal)",
		"enum":        []string{"low", "normal", "high", "urgent"},
	}
}

func definitions() []Tool {
	return []Tool{
		{
			Name:        CheckPrerequisites,
			Description: "Check whether an agent's prerequisite checkpoints have passed so it may proceed.",
			InputSchema: object(map[string]any{
				"agent_id": prop("string", "Agent identifier, e.g. c5 or C5-meta-analysis"),
			}, "agent_id"),
		},
		{
			Name:        MarkCheckpoint,
			Description: "Record a checkpoint as completed with the decision taken and its rationale.",
			InputSchema: object(map[string]any{
				"checkpoint_id": prop("string", "Checkpoint identifier, e.g. CP_RESEARCH_DIRECTION"),
				"decision":      prop("string", "Selected option"),
				"rationale":     prop("string", "Why this option was chosen"),
			}, "checkpoint_id", "decision"),
		},
		{
			Name:        CheckpointStatus,
			Description: "Summarize passed and pending checkpoints and list blocked agents.",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        ProjectStatus,
			Description: "Read the project state tree.",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        ProjectUpdate,
			Description: "Deep-merge fields into the project state. Objects merge, other values replace.",
			InputSchema: object(map[string]any{
				"updates": prop("object", "Fields to merge into the project state"),
			}, "updates"),
		},
		{
			Name:        DecisionAdd,
			Description: "Append a decision to the ledger.",
			InputSchema: object(map[string]any{
				"checkpoint_id": prop("string", "Checkpoint the decision belongs to"),
				"selected":      prop("string", "Selected option"),
				"rationale":     prop("string", "Reasoning for the decision"),
				"alternatives":  stringList("Other options that were considered"),
				"metadata":      prop("object", "Additional metadata; metadata.agent is filterable"),
			}, "checkpoint_id", "selected"),
		},
		{
			Name:        DecisionList,
			Description: "List decisions, optionally filtered by checkpoint, agent and time window.",
			InputSchema: object(map[string]any{
				"filters": object(map[string]any{
					"checkpoint_id": prop("string", "Exact checkpoint id"),
					"agent":         prop("string", "Matches metadata.agent"),
					"after":         prop("string", "ISO-8601 lower bound, inclusive"),
					"before":        prop("string", "ISO-8601 upper bound, exclusive"),
				}),
			}),
		},
		{
			Name:        PriorityRead,
			Description: "Read the priority context buffer.",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        PriorityWrite,
			Description: "Overwrite the priority context buffer, truncated to max_chars characters.",
			InputSchema: object(map[string]any{
				"context":   prop("string", "Text to store"),
				"max_chars": prop("integer", "Character limit (default 500)"),
			}, "context"),
		},
		{
			Name:        ExportYAML,
			Description: "Export checkpoints, decisions, project state and priority context as a YAML snapshot.",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        AgentRegister,
			Description: "Register or update an agent in the messaging registry.",
			InputSchema: object(map[string]any{
				"agent_id": prop("string", "Agent identifier"),
				"role":     prop("string", "Agent role, used by role-targeted broadcasts"),
				"category": prop("string", "Agent category"),
				"model":    prop("string", "Model tier"),
				"status":   prop("string", "Agent status (default active)"),
				"metadata": prop("object", "Free-form metadata; role, category, model and status keys are lifted"),
			}, "agent_id"),
		},
		{
			Name:        AgentList,
			Description: "List registered agents with optional filters.",
			InputSchema: object(map[string]any{
				"filters": object(map[string]any{
					"status":   prop("string", "Agent status"),
					"category": prop("string", "Agent category"),
					"model":    prop("string", "Model tier"),
					"role":     prop("string", "Agent role"),
				}),
			}),
		},
		{
			Name:        MessageSend,
			Description: "Send a message to an agent's mailbox.",
			InputSchema: object(map[string]any{
				"from":     prop("string", "Sender agent id"),
				"to":       prop("string", "Recipient agent id"),
				"content":  anyContent("Message text or JSON object"),
				"type":     prop("string", "Message type"),
				"priority": priorityProp(),
				"metadata": prop("object", "Additional message metadata"),
			}, "from", "to", "content"),
		},
		{
			Name:        MessageMailbox,
			Description: "Read an agent's mailbox. Unread messages are marked delivered unless auto_mark is false.",
			InputSchema: object(map[string]any{
				"agent_id":    prop("string", "Agent whose mailbox to read"),
				"limit":       prop("integer", "Maximum number of messages"),
				"unread_only": prop("boolean", "Only unread messages (default true)"),
				"auto_mark":   prop("boolean", "Mark returned messages delivered (default true)"),
				"type":        prop("string", "Message type filter"),
				"from":        prop("string", "Sender filter"),
				"status":      prop("string", "unread, read or acknowledged"),
			}, "agent_id"),
		},
		{
			Name:        MessageAcknowledge,
			Description: "Acknowledge a message, optionally with a response.",
			InputSchema: object(map[string]any{
				"message_id": prop("string", "Message to acknowledge"),
				"response":   prop("string", "Optional response"),
			}, "message_id"),
		},
		{
			Name:        MessageBroadcast,
			Description: "Send a message to every registered agent, optionally only those with given roles.",
			InputSchema: object(map[string]any{
				"from":         prop("string", "Sender agent id"),
				"content":      anyContent("Message text or JSON object"),
				"type":         prop("string", "Message type"),
				"priority":     priorityProp(),
				"roles":        stringList("Only agents whose role or category is listed"),
				"exclude_self": prop("boolean", "Skip the sender (default true)"),
				"metadata":     prop("object", "Additional message metadata"),
			}, "from", "content"),
		},
	}
}
