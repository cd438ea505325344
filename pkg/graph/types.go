// Package graph defines the knowledge-graph data model shared by every
// Muninn component.
//
// A graph is a flat set of nodes (concepts an agent chose to remember) and
// directed, typed edges between them. Two graph levels exist in parallel:
// the shared "user" level and one "project" level per project path. The
// levels are symmetrical; everything in this package is level-agnostic.
//
// Design notes:
//   - Edges are keyed triples, NOT pointers. An edge may reference a node
//     that is archived or missing entirely; that dangling reference is a
//     deliberate breadcrumb that lets an agent discover archived memory
//     and recall it.
//   - Nodes carry two internal flags (Archived, OrphanedTS) that are
//     persisted but never surfaced in read output. Both marshal with
//     omitempty so active nodes serialize exactly as the agent wrote them.
//   - All structures are plain data. Concurrency is the store's job.
//
// Example Usage:
//
//	g := graph.NewGraph()
//	g.Nodes["auth-flow"] = &graph.Node{
//		ID:      "auth-flow",
//		Gist:    "JWT refresh happens in middleware, not handlers",
//		Touches: []string{"internal/auth/middleware.go"},
//	}
//	key := graph.EdgeKey{From: "auth-flow", To: "session-store", Rel: "uses"}
//	g.Edges[key] = &graph.Edge{From: key.From, To: key.To, Rel: key.Rel}
//
//	fmt.Println(key.StorageKey()) // "auth-flow->session-store:uses"
//	fmt.Println(graph.EstimateGraph(g, false))
package graph

import "fmt"

// Level identifies one of the two parallel graph levels.
type Level string

const (
	// LevelUser is the single graph shared across all projects.
	LevelUser Level = "user"

	// LevelProject is the per-project graph. In the multi-project store
	// each project path gets its own graph under this level.
	LevelProject Level = "project"
)

// Levels lists all valid levels, in canonical order.
var Levels = []Level{LevelUser, LevelProject}

// ValidateLevel checks a caller-supplied level string.
// Returns ErrInvalidLevel (wrapped) for anything but "user" or "project".
func ValidateLevel(level string) error {
	switch Level(level) {
	case LevelUser, LevelProject:
		return nil
	}
	return fmt.Errorf("invalid level %q, must be one of %v: %w", level, Levels, ErrInvalidLevel)
}

// Node is a single remembered concept.
//
// Fields:
//   - ID: kebab-case identifier, unique within its level
//   - Gist: the insight itself, one short sentence
//   - Touches: artifact references, usually file paths
//   - Notes: additional short strings of context
//
// Internal flags (persisted, never surfaced to clients):
//   - Archived: excluded from reads and from the token budget, but kept
//     on disk; only recall brings it back
//   - OrphanedTS: seconds-since-epoch when the node lost its last active
//     neighbor; the pruner deletes it once the orphan grace expires
//
// Example:
//
//	node := &graph.Node{
//		ID:    "percentile-scoring",
//		Gist:  "Compaction ranks nodes by percentile, not absolute score",
//		Notes: []string{"self-calibrating: there is always a bottom to shed"},
//	}
type Node struct {
	ID      string   `json:"id"`
	Gist    string   `json:"gist"`
	Touches []string `json:"touches,omitempty"`
	Notes   []string `json:"notes,omitempty"`

	// Internal lifecycle flags.
	Archived   bool    `json:"_archived,omitempty"`
	OrphanedTS float64 `json:"_orphaned_ts,omitempty"`
}

// Clone returns a deep copy. The store hands clones to callers so external
// code can never mutate graph state behind the mutex.
func (n *Node) Clone() *Node {
	c := *n
	if n.Touches != nil {
		c.Touches = append([]string(nil), n.Touches...)
	}
	if n.Notes != nil {
		c.Notes = append([]string(nil), n.Notes...)
	}
	return &c
}

// EdgeKey is the identity of an edge: at most one edge exists per triple.
type EdgeKey struct {
	From string
	To   string
	Rel  string
}

// StorageKey renders the canonical on-disk key, "from->to:rel".
// The "->" delimiter is literal ASCII and is compatibility-critical.
func (k EdgeKey) StorageKey() string {
	return k.From + "->" + k.To + ":" + k.Rel
}

// VersionKey renders the version-record key for this edge.
func (k EdgeKey) VersionKey() string {
	return "edge:" + k.StorageKey()
}

// NodeVersionKey renders the version-record key for a node ID.
func NodeVersionKey(id string) string {
	return "node:" + id
}

// Edge is a directed, typed relationship between two node references.
//
// Endpoints are references, not pointers: either endpoint may name a node
// that is archived or absent. Such an edge is still stored and still
// surfaced while at least one endpoint is active.
type Edge struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Rel   string   `json:"rel"`
	Notes []string `json:"notes,omitempty"`
}

// Key returns the identity triple for this edge.
func (e *Edge) Key() EdgeKey {
	return EdgeKey{From: e.From, To: e.To, Rel: e.Rel}
}

// Clone returns a deep copy.
func (e *Edge) Clone() *Edge {
	c := *e
	if e.Notes != nil {
		c.Notes = append([]string(nil), e.Notes...)
	}
	return &c
}

// Version is the per-node / per-edge write record.
//
// V increases by one on every write, TS is the write time in float seconds
// since epoch (assigned under the store mutex, so TS order matches mutation
// order), and Session attributes the write for the sync own-filter.
// Session marshals as JSON null when the write was anonymous.
type Version struct {
	V       int64   `json:"v"`
	TS      float64 `json:"ts"`
	Session *string `json:"session"`
}

// Clone returns a copy of the version record.
func (v *Version) Clone() *Version {
	c := *v
	if v.Session != nil {
		s := *v.Session
		c.Session = &s
	}
	return &c
}

// Graph holds one level's nodes and edges. Maps are keyed for O(1) upsert
// and lookup; iteration order is never meaningful.
type Graph struct {
	Nodes map[string]*Node
	Edges map[EdgeKey]*Edge
}

// NewGraph returns an empty graph with allocated maps.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make(map[EdgeKey]*Edge),
	}
}

// ActiveIDs returns the set of non-archived node IDs.
func (g *Graph) ActiveIDs() map[string]struct{} {
	active := make(map[string]struct{}, len(g.Nodes))
	for id, node := range g.Nodes {
		if !node.Archived {
			active[id] = struct{}{}
		}
	}
	return active
}
