// Package mcp tool definitions for the knowledge-graph tool surface.
package mcp

import "encoding/json"

// Tool names. The kg_ prefix namespaces them among other MCP servers an
// agent may have mounted.
const (
	ToolRead            = "kg_read"
	ToolRegisterSession = "kg_register_session"
	ToolSync            = "kg_sync"
	ToolPutNode         = "kg_put_node"
	ToolPutEdge         = "kg_put_edge"
	ToolDeleteNode      = "kg_delete_node"
	ToolDeleteEdge      = "kg_delete_edge"
	ToolRecall          = "kg_recall"
	ToolPing            = "kg_ping"
)

// GetToolDefinitions returns all 9 knowledge-graph tool definitions with
// JSON schemas. Descriptions are written for the LLM on the other end:
// when to call the tool, not how it is implemented.
func GetToolDefinitions() []Tool {
	return []Tool{
		getReadTool(),
		getRegisterSessionTool(),
		getSyncTool(),
		getPutNodeTool(),
		getPutEdgeTool(),
		getDeleteNodeTool(),
		getDeleteEdgeTool(),
		getRecallTool(),
		getPingTool(),
	}
}

func mustSchema(schema map[string]interface{}) json.RawMessage {
	data, _ := json.Marshal(schema)
	return data
}

var levelProperty = map[string]interface{}{
	"type":        "string",
	"enum":        []string{"user", "project"},
	"description": "Graph level: 'user' is shared across projects, 'project' is this project only.",
}

var sessionProperty = map[string]interface{}{
	"type":        "string",
	"description": "Your session ID from kg_register_session, for change attribution.",
}

func getReadTool() Tool {
	return Tool{
		Name: ToolRead,
		Description: `Read the full knowledge graph. Use at session start or when you need
complete context. Returns both user and project graphs with active nodes only; an edge
pointing at a node you cannot see marks archived memory you can kg_recall.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"session_id": sessionProperty,
			},
		}),
	}
}

func getRegisterSessionTool() Tool {
	return Tool{
		Name: ToolRegisterSession,
		Description: `Register this session for sync tracking. Call once at session start,
after kg_read. Returns the session_id to pass to the other tools.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"project_path": map[string]interface{}{
					"type":        "string",
					"description": "Project directory this session works in. Optional.",
				},
			},
		}),
	}
}

func getSyncTool() Tool {
	return Tool{
		Name: ToolSync,
		Description: `Get changes made since your session started, by other sessions/agents.
Returns only the diff, not the full graph. Pull before push when collaborating.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"session_id": sessionProperty,
				"exclude_own": map[string]interface{}{
					"type":        "boolean",
					"default":     true,
					"description": "Skip your own writes (default true).",
				},
			},
			"required": []string{"session_id"},
		}),
	}
}

func getPutNodeTool() Tool {
	return Tool{
		Name: ToolPutNode,
		Description: `Add or update a node in the knowledge graph. Content replaces the
previous version wholesale. Writing to an archived node does not revive it; kg_recall first.

Examples:
- kg_put_node(level="project", id="auth-flow", gist="JWT refresh happens in middleware")
- kg_put_node(level="user", id="prefers-tabs", gist="User prefers tabs over spaces")`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level": levelProperty,
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Node ID (kebab-case).",
				},
				"gist": map[string]interface{}{
					"type":        "string",
					"description": "The insight or concept, one short sentence.",
				},
				"touches": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Related artifacts, usually file paths.",
				},
				"notes": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Additional context strings.",
				},
				"session_id": sessionProperty,
			},
			"required": []string{"level", "id", "gist"},
		}),
	}
}

func getPutEdgeTool() Tool {
	return Tool{
		Name: ToolPutEdge,
		Description: `Add or update a typed edge between two nodes. Endpoints may name nodes
that do not exist yet or are archived; the edge is kept as a breadcrumb either way.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level": levelProperty,
				"from":  map[string]interface{}{"type": "string", "description": "Source node ID."},
				"to":    map[string]interface{}{"type": "string", "description": "Target node ID."},
				"rel": map[string]interface{}{
					"type":        "string",
					"description": "Relationship label (kebab-case), e.g. 'uses', 'supersedes'.",
				},
				"notes": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Additional context strings.",
				},
				"session_id": sessionProperty,
			},
			"required": []string{"level", "from", "to", "rel"},
		}),
	}
}

func getDeleteNodeTool() Tool {
	return Tool{
		Name: ToolDeleteNode,
		Description: `Delete a node permanently, along with every edge touching it. This is
irreversible; prefer letting low-value nodes age out via archiving.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level":      levelProperty,
				"id":         map[string]interface{}{"type": "string", "description": "Node ID to delete."},
				"session_id": sessionProperty,
			},
			"required": []string{"level", "id"},
		}),
	}
}

func getDeleteEdgeTool() Tool {
	return Tool{
		Name:        ToolDeleteEdge,
		Description: `Delete a single edge. Deleting an edge that does not exist is not an error.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level":      levelProperty,
				"from":       map[string]interface{}{"type": "string"},
				"to":         map[string]interface{}{"type": "string"},
				"rel":        map[string]interface{}{"type": "string"},
				"session_id": sessionProperty,
			},
			"required": []string{"level", "from", "to", "rel"},
		}),
	}
}

func getRecallTool() Tool {
	return Tool{
		Name: ToolRecall,
		Description: `Bring an archived node back into active context. Use when you see an
edge pointing to a node that is not in your current view.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level":      levelProperty,
				"id":         map[string]interface{}{"type": "string", "description": "Node ID to recall."},
				"session_id": sessionProperty,
			},
			"required": []string{"level", "id"},
		}),
	}
}

func getPingTool() Tool {
	return Tool{
		Name:        ToolPing,
		Description: `Health check. Returns server status, per-graph counts, and token estimates.`,
		InputSchema: mustSchema(map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}),
	}
}
