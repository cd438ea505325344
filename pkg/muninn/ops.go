package muninn

import (
	"errors"
	"fmt"
	"sort"

	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/tombstone"
)

func requireArg(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required: %w", name, graph.ErrInvalidArgument)
	}
	return nil
}

func requireEdgeArgs(from, to, rel string) error {
	if err := requireArg("from", from); err != nil {
		return err
	}
	if err := requireArg("to", to); err != nil {
		return err
	}
	return requireArg("rel", rel)
}

// RegisterSession creates a session for diff sync. projectPath binds the
// session to a project graph; empty falls back to the configured default
// project (which may itself be empty, leaving the session user-only).
func (s *Store) RegisterSession(projectPath string) (*RegisterResult, error) {
	if projectPath == "" {
		projectPath = s.cfg.ProjectPath
	}
	sess, err := s.sessions.Register(projectPath)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{
		SessionID:   sess.ID,
		StartTS:     sess.StartTS,
		ProjectPath: sess.ProjectPath,
	}, nil
}

// levelViewLocked snapshots one graph: active nodes plus edges with at
// least one active endpoint, value-copied and sorted for deterministic
// output. Internal node flags are zero on everything surfaced here, so
// they never appear in the marshaled form.
func (s *Store) levelViewLocked(graphKey string) *LevelView {
	view := &LevelView{Nodes: []*graph.Node{}, Edges: []*graph.Edge{}}
	g, ok := s.graphs[graphKey]
	if !ok {
		return view
	}

	active := g.ActiveIDs()
	for id := range active {
		view.Nodes = append(view.Nodes, g.Nodes[id].Clone())
	}
	for key, edge := range g.Edges {
		_, fromActive := active[key.From]
		_, toActive := active[key.To]
		if fromActive || toActive {
			view.Edges = append(view.Edges, edge.Clone())
		}
	}

	sort.Slice(view.Nodes, func(i, j int) bool { return view.Nodes[i].ID < view.Nodes[j].ID })
	sort.Slice(view.Edges, func(i, j int) bool {
		return view.Edges[i].Key().StorageKey() < view.Edges[j].Key().StorageKey()
	})
	return view
}

// Read snapshots both levels. sessionID selects which project graph the
// project section shows; with no session the configured default project
// is used, and with no default the project section is empty.
func (s *Store) Read(sessionID string) (*ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &ReadResult{
		User:    s.levelViewLocked(userKey),
		Project: &LevelView{Nodes: []*graph.Node{}, Edges: []*graph.Edge{}},
	}

	projectKey, err := s.resolveGraphKeyLocked(string(graph.LevelProject), sessionID)
	switch {
	case err == nil:
		result.Project = s.levelViewLocked(projectKey)
	case sessionID != "" && errors.Is(err, graph.ErrUnknownSession):
		// An expired or typo'd session ID is the caller's error; a valid
		// session that simply has no project just gets an empty section.
		return nil, err
	}
	return result, nil
}

// Sync returns everything written after the session registered, by
// default excluding the session's own writes. Archived nodes and edges
// with no active endpoint never appear; deletions are silent (the
// version record is gone, so there is nothing to report).
func (s *Store) Sync(sessionID string, excludeOwn bool) (*SyncResult, error) {
	if err := requireArg("session_id", sessionID); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := map[string]string{string(graph.LevelUser): userKey}
	if sess.ProjectPath != "" {
		keys[string(graph.LevelProject)] = s.ensureProjectLoadedLocked(sess.ProjectPath)
	}

	result := &SyncResult{
		SinceTS: sess.StartTS,
		Changes: map[string]*LevelView{
			string(graph.LevelUser):    {Nodes: []*graph.Node{}, Edges: []*graph.Edge{}},
			string(graph.LevelProject): {Nodes: []*graph.Node{}, Edges: []*graph.Edge{}},
		},
	}

	for level, graphKey := range keys {
		g := s.graphs[graphKey]
		versions := s.versions[graphKey]
		view := result.Changes[level]
		active := g.ActiveIDs()

		isForeignChange := func(verKey string) bool {
			ver, ok := versions[verKey]
			if !ok || ver.TS <= sess.StartTS {
				return false
			}
			if excludeOwn && ver.Session != nil && *ver.Session == sessionID {
				return false
			}
			return true
		}

		for id, node := range g.Nodes {
			if node.Archived {
				continue
			}
			if isForeignChange(graph.NodeVersionKey(id)) {
				view.Nodes = append(view.Nodes, node.Clone())
			}
		}
		for key, edge := range g.Edges {
			_, fromActive := active[key.From]
			_, toActive := active[key.To]
			if !fromActive && !toActive {
				continue
			}
			if isForeignChange(key.VersionKey()) {
				view.Edges = append(view.Edges, edge.Clone())
			}
		}

		sort.Slice(view.Nodes, func(i, j int) bool { return view.Nodes[i].ID < view.Nodes[j].ID })
		sort.Slice(view.Edges, func(i, j int) bool {
			return view.Edges[i].Key().StorageKey() < view.Edges[j].Key().StorageKey()
		})
		result.TotalChanges += len(view.Nodes) + len(view.Edges)
	}
	return result, nil
}

// PutNode upserts a node. The new content replaces gist, touches, and
// notes wholesale; the internal lifecycle flags carry over untouched, so
// writing to an archived node does not revive it. Recall is the only way
// back to the active view.
func (s *Store) PutNode(level, id, gist string, touches, notes []string, sessionID string) (*PutNodeResult, error) {
	if err := requireArg("id", id); err != nil {
		return nil, err
	}
	if err := requireArg("gist", gist); err != nil {
		return nil, err
	}

	s.mu.Lock()
	graphKey, err := s.resolveGraphKeyLocked(level, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	node := &graph.Node{ID: id, Gist: gist, Touches: touches, Notes: notes}
	action := "added"
	if prev, ok := s.graphs[graphKey].Nodes[id]; ok {
		action = "updated"
		node.Archived = prev.Archived
		node.OrphanedTS = prev.OrphanedTS
	}
	s.graphs[graphKey].Nodes[id] = node

	s.bumpVersionLocked(graphKey, graph.NodeVersionKey(id), sessionID)
	s.dirty[graphKey] = true
	result := &PutNodeResult{Action: action, Node: node.Clone()}
	s.mu.Unlock()

	s.emit(&Event{Op: "put_node", Level: level, GraphKey: graphKey, SessionID: sessionID, Data: result.Node})
	return result, nil
}

// PutEdge upserts the edge keyed (from, to, rel).
func (s *Store) PutEdge(level, from, to, rel string, notes []string, sessionID string) (*PutEdgeResult, error) {
	if err := requireEdgeArgs(from, to, rel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	graphKey, err := s.resolveGraphKeyLocked(level, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	key := graph.EdgeKey{From: from, To: to, Rel: rel}
	action := "added"
	if _, ok := s.graphs[graphKey].Edges[key]; ok {
		action = "updated"
	}
	edge := &graph.Edge{From: from, To: to, Rel: rel, Notes: notes}
	s.graphs[graphKey].Edges[key] = edge

	s.bumpVersionLocked(graphKey, key.VersionKey(), sessionID)
	s.dirty[graphKey] = true
	result := &PutEdgeResult{Action: action, Edge: edge.Clone()}
	s.mu.Unlock()

	s.emit(&Event{Op: "put_edge", Level: level, GraphKey: graphKey, SessionID: sessionID, Data: result.Edge})
	return result, nil
}

// DeleteNode removes a node with full cascade: incident edges and all
// version records go in the same critical section. Missing node is an
// error; deleting memory that does not exist is worth surfacing.
func (s *Store) DeleteNode(level, id, sessionID string) (*DeleteNodeResult, error) {
	if err := requireArg("id", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	graphKey, err := s.resolveGraphKeyLocked(level, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.graphs[graphKey].Nodes[id]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("node %q not found in %s graph: %w", id, level, graph.ErrNodeNotFound)
	}

	edgesDeleted := s.cascadeDeleteLocked(graphKey, id, tombstone.ReasonDeleted)
	result := &DeleteNodeResult{Deleted: true, NodeID: id, EdgesDeleted: edgesDeleted}
	s.mu.Unlock()

	s.emit(&Event{Op: "delete_node", Level: level, GraphKey: graphKey, SessionID: sessionID, Data: result})
	return result, nil
}

// DeleteEdge removes one edge. A missing edge is reported, not failed:
// concurrent agents routinely race to remove the same edge.
func (s *Store) DeleteEdge(level, from, to, rel, sessionID string) (*DeleteEdgeResult, error) {
	if err := requireEdgeArgs(from, to, rel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	graphKey, err := s.resolveGraphKeyLocked(level, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	key := graph.EdgeKey{From: from, To: to, Rel: rel}
	result := &DeleteEdgeResult{Edge: &graph.Edge{From: from, To: to, Rel: rel}}
	if _, ok := s.graphs[graphKey].Edges[key]; ok {
		delete(s.graphs[graphKey].Edges, key)
		delete(s.versions[graphKey], key.VersionKey())
		s.dirty[graphKey] = true
		result.Deleted = true
	}
	s.mu.Unlock()

	if result.Deleted {
		s.emit(&Event{Op: "delete_edge", Level: level, GraphKey: graphKey, SessionID: sessionID, Data: result.Edge})
	}
	return result, nil
}

// Recall brings an archived node back into the active view: clears the
// lifecycle flags and bumps the version so fresh recency grace-protects
// it from the next compaction.
func (s *Store) Recall(level, id, sessionID string) (*RecallResult, error) {
	if err := requireArg("id", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	graphKey, err := s.resolveGraphKeyLocked(level, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	node, ok := s.graphs[graphKey].Nodes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("node %q not found in %s graph: %w", id, level, graph.ErrNodeNotFound)
	}
	if !node.Archived {
		s.mu.Unlock()
		return nil, fmt.Errorf("node %q is not archived: %w", id, graph.ErrNotArchived)
	}

	node.Archived = false
	node.OrphanedTS = 0
	s.bumpVersionLocked(graphKey, graph.NodeVersionKey(id), sessionID)
	s.dirty[graphKey] = true
	result := &RecallResult{Recalled: true, Node: node.Clone()}
	s.mu.Unlock()

	s.emit(&Event{Op: "recall", Level: level, GraphKey: graphKey, SessionID: sessionID, Data: result.Node})
	return result, nil
}

// Ping reports liveness plus per-graph counts and token estimates for
// every loaded graph.
func (s *Store) Ping() *PingResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &PingResult{
		Status:         "ok",
		ActiveSessions: s.sessions.Count(),
		Nodes:          make(map[string]int, len(s.graphs)),
		Edges:          make(map[string]int, len(s.graphs)),
		Tokens:         make(map[string]int, len(s.graphs)),
	}
	for key, g := range s.graphs {
		result.Nodes[key] = len(g.Nodes)
		result.Edges[key] = len(g.Edges)
		result.Tokens[key] = graph.EstimateGraph(g, false)
	}
	return result
}
