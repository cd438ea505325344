package muninn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/graph"
)

const day = 24 * 60 * 60

// testClock is a settable clock shared with the store under test.
type testClock struct{ now float64 }

func (c *testClock) fn() float64 { return c.now }

func newTestStore(t *testing.T, mutate func(*Config)) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: 1_700_000_000}
	cfg := Config{
		UserPath: filepath.Join(t.TempDir(), "user.json"),
		NowFn:    clock.fn,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, clock
}

func TestPutThenRead(t *testing.T) {
	s, _ := newTestStore(t, nil)

	res, err := s.PutNode("user", "auth-flow", "JWT refresh lives in middleware", []string{"mw.go"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "added", res.Action)

	view, err := s.Read("")
	require.NoError(t, err)
	require.Len(t, view.User.Nodes, 1)
	assert.Equal(t, "auth-flow", view.User.Nodes[0].ID)
	assert.Equal(t, "JWT refresh lives in middleware", view.User.Nodes[0].Gist)
	assert.Empty(t, view.Project.Nodes)

	t.Run("internal fields never reach the wire", func(t *testing.T) {
		data, err := json.Marshal(view)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "_archived")
		assert.NotContains(t, string(data), "_orphaned_ts")
		assert.NotContains(t, string(data), "versions")
	})
}

func TestIdempotentUpsert(t *testing.T) {
	s, clock := newTestStore(t, nil)

	first, err := s.PutNode("user", "x", "v1", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "added", first.Action)

	clock.now += 5
	second, err := s.PutNode("user", "x", "v1", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "updated", second.Action)
	assert.Equal(t, first.Node, second.Node)

	ver := s.versions[userKey]["node:x"]
	require.NotNil(t, ver)
	assert.Equal(t, int64(2), ver.V)
	assert.Equal(t, clock.now, ver.TS)
}

func TestPutNodeReplacesContent(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.PutNode("user", "x", "v1", []string{"a.go"}, []string{"note"}, "")
	require.NoError(t, err)
	_, err = s.PutNode("user", "x", "v2", nil, nil, "")
	require.NoError(t, err)

	node := s.graphs[userKey].Nodes["x"]
	assert.Equal(t, "v2", node.Gist)
	assert.Nil(t, node.Touches, "replacement, not merge")
	assert.Nil(t, node.Notes)
}

func TestPutNodeDoesNotRevive(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.PutNode("user", "x", "v1", nil, nil, "")
	require.NoError(t, err)
	s.graphs[userKey].Nodes["x"].Archived = true
	s.graphs[userKey].Nodes["x"].OrphanedTS = 123

	_, err = s.PutNode("user", "x", "v2", nil, nil, "")
	require.NoError(t, err)

	node := s.graphs[userKey].Nodes["x"]
	assert.True(t, node.Archived, "writing to an archived node must not revive it")
	assert.Equal(t, float64(123), node.OrphanedTS)

	view, err := s.Read("")
	require.NoError(t, err)
	assert.Empty(t, view.User.Nodes)
}

func TestCascadeDelete(t *testing.T) {
	s, _ := newTestStore(t, nil)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.PutNode("user", id, "gist "+id, nil, nil, "")
		require.NoError(t, err)
	}
	mustPutEdge := func(from, to, rel string) {
		_, err := s.PutEdge("user", from, to, rel, nil, "")
		require.NoError(t, err)
	}
	mustPutEdge("a", "b", "uses")
	mustPutEdge("b", "a", "used-by")
	mustPutEdge("b", "c", "uses")
	mustPutEdge("a", "c", "uses")

	res, err := s.DeleteNode("user", "b", "")
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.Equal(t, 3, res.EdgesDeleted)

	g := s.graphs[userKey]
	assert.NotContains(t, g.Nodes, "b")
	for key := range g.Edges {
		assert.NotEqual(t, "b", key.From)
		assert.NotEqual(t, "b", key.To)
	}
	assert.NotContains(t, s.versions[userKey], "node:b")
	assert.NotContains(t, s.versions[userKey], "edge:a->b:uses")
	assert.NotContains(t, s.versions[userKey], "edge:b->a:used-by")
	assert.Contains(t, s.versions[userKey], "edge:a->c:uses")

	t.Run("missing node is an error", func(t *testing.T) {
		_, err := s.DeleteNode("user", "b", "")
		assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	})
}

func TestDeleteEdgeIsSoft(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.PutEdge("user", "a", "b", "uses", nil, "")
	require.NoError(t, err)

	res, err := s.DeleteEdge("user", "a", "b", "uses", "")
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	res, err = s.DeleteEdge("user", "a", "b", "uses", "")
	require.NoError(t, err)
	assert.False(t, res.Deleted, "absent edge reports deleted=false, no error")
}

func TestValidation(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.PutNode("global", "x", "g", nil, nil, "")
	assert.ErrorIs(t, err, graph.ErrInvalidLevel)

	_, err = s.PutNode("user", "", "g", nil, nil, "")
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = s.PutNode("user", "x", "", nil, nil, "")
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = s.PutEdge("user", "a", "", "uses", nil, "")
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = s.Sync("", true)
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = s.Sync("nope1234", true)
	assert.ErrorIs(t, err, graph.ErrUnknownSession)
}

func TestSyncExcludesOwn(t *testing.T) {
	s, _ := newTestStore(t, nil)

	s1, err := s.RegisterSession("")
	require.NoError(t, err)
	s2, err := s.RegisterSession("")
	require.NoError(t, err)

	_, err = s.PutNode("user", "x", "v1", nil, nil, s1.SessionID)
	require.NoError(t, err)

	own, err := s.Sync(s1.SessionID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, own.TotalChanges)

	other, err := s.Sync(s2.SessionID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, other.TotalChanges)
	require.Len(t, other.Changes["user"].Nodes, 1)
	assert.Equal(t, "x", other.Changes["user"].Nodes[0].ID)

	t.Run("excludeOwn=false returns own writes too", func(t *testing.T) {
		all, err := s.Sync(s1.SessionID, false)
		require.NoError(t, err)
		assert.Equal(t, 1, all.TotalChanges)
	})
}

func TestSyncSkipsPreSessionAndArchived(t *testing.T) {
	s, clock := newTestStore(t, nil)

	_, err := s.PutNode("user", "before", "old", nil, nil, "")
	require.NoError(t, err)

	clock.now += 10
	sess, err := s.RegisterSession("")
	require.NoError(t, err)

	clock.now += 10
	_, err = s.PutNode("user", "after", "new", nil, nil, "")
	require.NoError(t, err)
	_, err = s.PutNode("user", "hidden", "archived later", nil, nil, "")
	require.NoError(t, err)
	s.graphs[userKey].Nodes["hidden"].Archived = true

	_, err = s.PutEdge("user", "gone1", "gone2", "refs", nil, "")
	require.NoError(t, err)
	s.graphs[userKey].Nodes["gone1"] = &graph.Node{ID: "gone1", Gist: "x", Archived: true}
	s.graphs[userKey].Nodes["gone2"] = &graph.Node{ID: "gone2", Gist: "x", Archived: true}

	res, err := s.Sync(sess.SessionID, true)
	require.NoError(t, err)
	require.Len(t, res.Changes["user"].Nodes, 1, "pre-session and archived nodes excluded")
	assert.Equal(t, "after", res.Changes["user"].Nodes[0].ID)
	assert.Empty(t, res.Changes["user"].Edges, "edges with no active endpoint excluded")
	assert.Equal(t, 1, res.TotalChanges)
}

func TestRecall(t *testing.T) {
	s, clock := newTestStore(t, nil)

	_, err := s.PutNode("user", "x", "v1", nil, nil, "")
	require.NoError(t, err)

	t.Run("active node is not recallable", func(t *testing.T) {
		_, err := s.Recall("user", "x", "")
		assert.ErrorIs(t, err, graph.ErrNotArchived)
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := s.Recall("user", "nope", "")
		assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	})

	s.graphs[userKey].Nodes["x"].Archived = true
	s.graphs[userKey].Nodes["x"].OrphanedTS = clock.now

	clock.now += 100
	res, err := s.Recall("user", "x", "")
	require.NoError(t, err)
	assert.True(t, res.Recalled)
	assert.False(t, res.Node.Archived)

	node := s.graphs[userKey].Nodes["x"]
	assert.False(t, node.Archived)
	assert.Zero(t, node.OrphanedTS)
	assert.Equal(t, clock.now, s.versions[userKey]["node:x"].TS, "fresh ts grace-protects the recall")
}

func TestMaintainArchivesUnderPressure(t *testing.T) {
	// max_tokens 80 with three nodes costing 30+40+30=100. The 1-day-old
	// node is in grace; of the two old ones, the richer gist survives.
	s, clock := newTestStore(t, func(cfg *Config) { cfg.MaxTokens = 80 })

	put := func(id string, gistLen int, age float64) {
		gist := make([]byte, gistLen)
		for i := range gist {
			gist[i] = 'g'
		}
		_, err := s.PutNode("user", id, string(gist), nil, nil, "")
		require.NoError(t, err)
		s.versions[userKey]["node:"+id].TS = clock.now - age
	}
	put("a", 40, 8*day)
	put("b", 80, 8*day)
	put("c", 40, 1*day)

	s.Maintain()

	view, err := s.Read("")
	require.NoError(t, err)
	require.Len(t, view.User.Nodes, 2)
	assert.Equal(t, "b", view.User.Nodes[0].ID)
	assert.Equal(t, "c", view.User.Nodes[1].ID)
	assert.True(t, s.graphs[userKey].Nodes["a"].Archived)
}

func TestOrphanLifecycleThroughMaintenance(t *testing.T) {
	s, clock := newTestStore(t, nil)

	_, err := s.PutNode("user", "a", "active node", nil, nil, "")
	require.NoError(t, err)
	_, err = s.PutNode("user", "b", "will be archived", nil, nil, "")
	require.NoError(t, err)
	_, err = s.PutEdge("user", "a", "b", "uses", nil, "")
	require.NoError(t, err)
	s.graphs[userKey].Nodes["b"].Archived = true

	s.Maintain()
	assert.Zero(t, s.graphs[userKey].Nodes["b"].OrphanedTS, "reachable from a, not orphaned")

	_, err = s.DeleteEdge("user", "a", "b", "uses", "")
	require.NoError(t, err)

	s.Maintain()
	assert.Equal(t, clock.now, s.graphs[userKey].Nodes["b"].OrphanedTS, "orphan clock starts")

	clock.now += 8 * day
	s.Maintain()
	assert.NotContains(t, s.graphs[userKey].Nodes, "b", "deleted after grace")
	assert.NotContains(t, s.versions[userKey], "node:b")
}

func TestOrphanReconnectionResetsTimer(t *testing.T) {
	s, clock := newTestStore(t, nil)

	_, err := s.PutNode("user", "a", "active node", nil, nil, "")
	require.NoError(t, err)
	_, err = s.PutNode("user", "b", "archived node", nil, nil, "")
	require.NoError(t, err)
	s.graphs[userKey].Nodes["b"].Archived = true
	s.graphs[userKey].Nodes["b"].OrphanedTS = clock.now - 6*day

	_, err = s.PutEdge("user", "a", "b", "uses", nil, "")
	require.NoError(t, err)

	s.Maintain()
	node := s.graphs[userKey].Nodes["b"]
	require.NotNil(t, node)
	assert.True(t, node.Archived, "still archived")
	assert.Zero(t, node.OrphanedTS, "reconnection cleared the timer")
}

func TestRecallGraceProtection(t *testing.T) {
	// A recalled node must not be re-archived by the next compaction:
	// its fresh version ts puts it inside grace even when the graph is
	// still over budget.
	s, clock := newTestStore(t, func(cfg *Config) { cfg.MaxTokens = 50 })

	put := func(id string) {
		_, err := s.PutNode("user", id, "some reasonably long gist text here", nil, nil, "")
		require.NoError(t, err)
		s.versions[userKey]["node:"+id].TS = clock.now - 10*day
	}
	put("n")
	put("other1")
	put("other2")

	s.Maintain()
	require.True(t, s.graphs[userKey].Nodes["n"].Archived, "over budget, n archived first (lowest ID among ties)")

	_, err := s.Recall("user", "n", "")
	require.NoError(t, err)

	s.Maintain()
	assert.False(t, s.graphs[userKey].Nodes["n"].Archived, "grace protects the recalled node")
}

func TestRestartLoadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user.json")
	clock := &testClock{now: 1_700_000_000}

	s1, err := New(Config{UserPath: path, NowFn: clock.fn})
	require.NoError(t, err)
	_, err = s1.PutNode("user", "x", "survives restart", nil, nil, "")
	require.NoError(t, err)
	_, err = s1.PutEdge("user", "x", "y", "refs", nil, "")
	require.NoError(t, err)
	s1.Flush()

	s2, err := New(Config{UserPath: path, NowFn: clock.fn})
	require.NoError(t, err)
	view, err := s2.Read("")
	require.NoError(t, err)
	require.Len(t, view.User.Nodes, 1)
	assert.Equal(t, "survives restart", view.User.Nodes[0].Gist)
	require.Len(t, view.User.Edges, 1)
	assert.Equal(t, int64(1), s2.versions[userKey]["node:x"].V)
}

func TestCrashBeforeRenameKeepsOldFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user.json")
	clock := &testClock{now: 1_700_000_000}

	s1, err := New(Config{UserPath: path, NowFn: clock.fn})
	require.NoError(t, err)
	_, err = s1.PutNode("user", "x", "v0", nil, nil, "")
	require.NoError(t, err)
	s1.Flush()

	// Simulate a crash between temp write and rename: the temp file of a
	// newer, never-committed save is lying around.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.tmp"), []byte(`{"nodes":{"x":{"id":"x","gist":"v1"}}}`), 0o644))

	s2, err := New(Config{UserPath: path, NowFn: clock.fn})
	require.NoError(t, err)
	view, err := s2.Read("")
	require.NoError(t, err)
	require.Len(t, view.User.Nodes, 1)
	assert.Equal(t, "v0", view.User.Nodes[0].Gist)
}

func TestProjectLevelIsolation(t *testing.T) {
	projectA := t.TempDir()
	projectB := t.TempDir()
	s, _ := newTestStore(t, nil)

	sa, err := s.RegisterSession(projectA)
	require.NoError(t, err)
	sb, err := s.RegisterSession(projectB)
	require.NoError(t, err)

	_, err = s.PutNode("project", "only-a", "in project A", nil, nil, sa.SessionID)
	require.NoError(t, err)

	viewA, err := s.Read(sa.SessionID)
	require.NoError(t, err)
	require.Len(t, viewA.Project.Nodes, 1)

	viewB, err := s.Read(sb.SessionID)
	require.NoError(t, err)
	assert.Empty(t, viewB.Project.Nodes, "projects do not leak into each other")

	t.Run("project op without session or default fails", func(t *testing.T) {
		_, err := s.PutNode("project", "x", "g", nil, nil, "")
		assert.ErrorIs(t, err, graph.ErrUnknownSession)
	})
}

func TestDefaultProjectPath(t *testing.T) {
	projectDir := t.TempDir()
	s, _ := newTestStore(t, func(cfg *Config) { cfg.ProjectPath = projectDir })

	// Anonymous project writes land in the default project graph, and a
	// session registered without a path binds to the same one.
	_, err := s.PutNode("project", "x", "default project", nil, nil, "")
	require.NoError(t, err)

	sess, err := s.RegisterSession("")
	require.NoError(t, err)
	assert.Equal(t, projectDir, sess.ProjectPath)

	view, err := s.Read(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, view.Project.Nodes, 1)
	assert.Equal(t, "x", view.Project.Nodes[0].ID)

	t.Run("project graph persists inside the project dir", func(t *testing.T) {
		s.Flush()
		assert.FileExists(t, filepath.Join(projectDir, ".knowledge", "graph.json"))
	})
}

func TestBroadcastHook(t *testing.T) {
	var events []Event
	s, _ := newTestStore(t, func(cfg *Config) {
		cfg.Broadcast = func(ev Event) { events = append(events, ev) }
	})

	_, err := s.PutNode("user", "x", "g", nil, nil, "")
	require.NoError(t, err)
	_, err = s.PutEdge("user", "x", "y", "refs", nil, "")
	require.NoError(t, err)
	_, err = s.DeleteEdge("user", "x", "y", "refs", "")
	require.NoError(t, err)
	_, err = s.DeleteEdge("user", "x", "y", "refs", "")
	require.NoError(t, err)
	_, err = s.DeleteNode("user", "x", "")
	require.NoError(t, err)

	ops := make([]string, len(events))
	for i, ev := range events {
		ops[i] = ev.Op
	}
	assert.Equal(t, []string{"put_node", "put_edge", "delete_edge", "delete_node"}, ops,
		"no event for the no-op delete")
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.PutNode("user", "x", "a gist", nil, nil, "")
	require.NoError(t, err)
	_, err = s.PutEdge("user", "x", "y", "refs", nil, "")
	require.NoError(t, err)
	_, err = s.RegisterSession("")
	require.NoError(t, err)

	res := s.Ping()
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 1, res.ActiveSessions)
	assert.Equal(t, 1, res.Nodes["user"])
	assert.Equal(t, 1, res.Edges["user"])
	assert.Equal(t, graph.EstimateGraph(s.graphs[userKey], false), res.Tokens["user"])
}
