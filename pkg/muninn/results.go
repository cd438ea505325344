package muninn

import "github.com/orneryd/muninn/pkg/graph"

// LevelView is the client-visible slice of one graph level: active nodes
// plus edges with at least one active endpoint, both in deterministic
// order. Nodes and edges are value copies; mutating them does nothing.
type LevelView struct {
	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
}

// ReadResult is the full snapshot returned by Read: both levels, always
// present even when empty.
type ReadResult struct {
	User    *LevelView `json:"user"`
	Project *LevelView `json:"project"`
}

// SyncResult is the diff returned by Sync.
type SyncResult struct {
	SinceTS      float64               `json:"since_ts"`
	Changes      map[string]*LevelView `json:"changes"`
	TotalChanges int                   `json:"total_changes"`
}

// PutNodeResult reports an upsert: Action is "added" or "updated".
type PutNodeResult struct {
	Action string      `json:"action"`
	Node   *graph.Node `json:"node"`
}

// PutEdgeResult reports an edge upsert.
type PutEdgeResult struct {
	Action string      `json:"action"`
	Edge   *graph.Edge `json:"edge"`
}

// DeleteNodeResult reports a cascading node deletion.
type DeleteNodeResult struct {
	Deleted      bool   `json:"deleted"`
	NodeID       string `json:"node_id"`
	EdgesDeleted int    `json:"edges_deleted"`
}

// DeleteEdgeResult reports an edge deletion. Deleted is false when the
// edge did not exist; that is not an error.
type DeleteEdgeResult struct {
	Deleted bool        `json:"deleted"`
	Edge    *graph.Edge `json:"edge"`
}

// RecallResult reports a successful recall.
type RecallResult struct {
	Recalled bool        `json:"recalled"`
	Node     *graph.Node `json:"node"`
}

// RegisterResult reports a new session.
type RegisterResult struct {
	SessionID   string  `json:"session_id"`
	StartTS     float64 `json:"start_ts"`
	ProjectPath string  `json:"project_path,omitempty"`
}

// PingResult is the health snapshot: per-graph counts and token
// estimates keyed by graph key ("user", "project:<path>").
type PingResult struct {
	Status         string         `json:"status"`
	ActiveSessions int            `json:"active_sessions"`
	Nodes          map[string]int `json:"nodes"`
	Edges          map[string]int `json:"edges"`
	Tokens         map[string]int `json:"tokens"`
}

// Event is what the store hands to its broadcast hook after a mutation
// commits. Hooks run outside the store mutex; a slow observer cannot
// stall writers.
type Event struct {
	Op        string `json:"op"` // put_node, put_edge, delete_node, delete_edge, recall
	Level     string `json:"level"`
	GraphKey  string `json:"-"` // routing only, not part of the payload
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data"`
}

// BroadcastFn receives mutation events. Optional.
type BroadcastFn func(Event)
