package decay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/graph"
)

const day = 24 * 60 * 60

func versionAt(ts float64) *graph.Version {
	return &graph.Version{V: 1, TS: ts}
}

func TestScorerGraceProtection(t *testing.T) {
	now := float64(1_700_000_000)
	scorer := NewScorer(7)

	g := graph.NewGraph()
	g.Nodes["old"] = &graph.Node{ID: "old", Gist: "an old memory"}
	g.Nodes["fresh"] = &graph.Node{ID: "fresh", Gist: "a fresh memory"}
	g.Nodes["unversioned"] = &graph.Node{ID: "unversioned", Gist: "no version record"}
	g.Nodes["archived"] = &graph.Node{ID: "archived", Gist: "already gone", Archived: true}

	versions := map[string]*graph.Version{
		"node:old":      versionAt(now - 8*day),
		"node:fresh":    versionAt(now - 1*day),
		"node:archived": versionAt(now - 30*day),
	}

	scores := scorer.ScoreAll(g, versions, now)

	assert.Contains(t, scores, "old")
	assert.NotContains(t, scores, "fresh", "within grace")
	assert.NotContains(t, scores, "unversioned", "missing version counts as written now")
	assert.NotContains(t, scores, "archived")
}

func TestScorerSingleEligibleNode(t *testing.T) {
	now := float64(1_700_000_000)
	scorer := NewScorer(7)

	g := graph.NewGraph()
	g.Nodes["only"] = &graph.Node{ID: "only", Gist: "solo"}
	versions := map[string]*graph.Version{"node:only": versionAt(now - 10*day)}

	scores := scorer.ScoreAll(g, versions, now)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.5*0.5*0.5, scores["only"], 1e-9)
}

func TestScorerPercentileOrdering(t *testing.T) {
	now := float64(1_700_000_000)
	scorer := NewScorer(7)

	// Three eligible nodes where "best" wins every axis: newest version,
	// most connections, longest content. "worst" loses every axis, so its
	// product has a zero factor.
	g := graph.NewGraph()
	g.Nodes["worst"] = &graph.Node{ID: "worst", Gist: "x"}
	g.Nodes["mid"] = &graph.Node{ID: "mid", Gist: strings.Repeat("m", 50), Touches: []string{"a"}}
	g.Nodes["best"] = &graph.Node{ID: "best", Gist: strings.Repeat("b", 100), Touches: []string{"a", "b"}}
	g.Edges[graph.EdgeKey{From: "best", To: "mid", Rel: "uses"}] = &graph.Edge{From: "best", To: "mid", Rel: "uses"}

	versions := map[string]*graph.Version{
		"node:worst": versionAt(now - 30*day),
		"node:mid":   versionAt(now - 20*day),
		"node:best":  versionAt(now - 10*day),
	}

	scores := scorer.ScoreAll(g, versions, now)
	require.Len(t, scores, 3)
	assert.Equal(t, 0.0, scores["worst"])
	assert.Equal(t, 1.0, scores["best"])
	assert.Greater(t, scores["best"], scores["mid"])
	assert.Greater(t, scores["mid"], scores["worst"])
}

func TestScorerDeterministic(t *testing.T) {
	now := float64(1_700_000_000)
	scorer := NewScorer(7)

	g := graph.NewGraph()
	versions := map[string]*graph.Version{}
	// Identical nodes: every raw metric ties, rank falls back to ID order.
	for _, id := range []string{"c-node", "a-node", "b-node"} {
		g.Nodes[id] = &graph.Node{ID: id, Gist: "same gist"}
		versions["node:"+id] = versionAt(now - 10*day)
	}

	first := scorer.ScoreAll(g, versions, now)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, scorer.ScoreAll(g, versions, now))
	}
}

func TestCompactorUnderBudgetIsNoop(t *testing.T) {
	now := float64(1_700_000_000)
	c := NewCompactor(NewScorer(7), 5000)

	g := graph.NewGraph()
	g.Nodes["a"] = &graph.Node{ID: "a", Gist: "small"}

	assert.Empty(t, c.CompactIfNeeded(g, map[string]*graph.Version{}, now))
	assert.False(t, g.Nodes["a"].Archived)
}

func TestCompactorAllInGraceIsNoop(t *testing.T) {
	now := float64(1_700_000_000)
	c := NewCompactor(NewScorer(7), 50)

	g := graph.NewGraph()
	g.Nodes["a"] = &graph.Node{ID: "a", Gist: strings.Repeat("x", 400)}
	versions := map[string]*graph.Version{"node:a": versionAt(now - 1*day)}

	assert.Empty(t, c.CompactIfNeeded(g, versions, now))
	assert.False(t, g.Nodes["a"].Archived)
}

func TestCompactorArchivesLowestUnderPressure(t *testing.T) {
	// Three nodes with gist lengths 40/80/40 against max_tokens=80:
	// estimate 100 exceeds the limit, the 1-day-old node is protected,
	// and between the two 8-day-old nodes richness favors the longer
	// gist. The shorter one is archived and the estimate lands at 70,
	// under the target of 72.
	now := float64(1_700_000_000)
	c := NewCompactor(NewScorer(7), 80)

	g := graph.NewGraph()
	g.Nodes["a"] = &graph.Node{ID: "a", Gist: strings.Repeat("a", 40)}
	g.Nodes["b"] = &graph.Node{ID: "b", Gist: strings.Repeat("b", 80)}
	g.Nodes["c"] = &graph.Node{ID: "c", Gist: strings.Repeat("c", 40)}
	versions := map[string]*graph.Version{
		"node:a": versionAt(now - 8*day),
		"node:b": versionAt(now - 8*day),
		"node:c": versionAt(now - 1*day),
	}

	archived := c.CompactIfNeeded(g, versions, now)

	assert.Equal(t, []string{"a"}, archived)
	assert.True(t, g.Nodes["a"].Archived)
	assert.False(t, g.Nodes["b"].Archived)
	assert.False(t, g.Nodes["c"].Archived)
	assert.LessOrEqual(t, graph.EstimateGraph(g, false), 72)
}

func TestCompactorConvergence(t *testing.T) {
	// Either the estimate reaches the target or every eligible node is
	// archived. Here the in-grace node alone exceeds the target, so
	// compaction archives both eligible nodes and still ends over it.
	now := float64(1_700_000_000)
	c := NewCompactor(NewScorer(7), 50)

	g := graph.NewGraph()
	g.Nodes["old1"] = &graph.Node{ID: "old1", Gist: strings.Repeat("x", 100)}
	g.Nodes["old2"] = &graph.Node{ID: "old2", Gist: strings.Repeat("y", 100)}
	g.Nodes["fresh"] = &graph.Node{ID: "fresh", Gist: strings.Repeat("z", 200)}
	versions := map[string]*graph.Version{
		"node:old1":  versionAt(now - 10*day),
		"node:old2":  versionAt(now - 10*day),
		"node:fresh": versionAt(now - 1*day),
	}

	archived := c.CompactIfNeeded(g, versions, now)

	assert.ElementsMatch(t, []string{"old1", "old2"}, archived)
	assert.False(t, g.Nodes["fresh"].Archived)
}

func TestPrunerLifecycle(t *testing.T) {
	now := float64(1_700_000_000)
	p := NewPruner(7)

	t.Run("newly orphaned gets stamped", func(t *testing.T) {
		g := graph.NewGraph()
		g.Nodes["a"] = &graph.Node{ID: "a", Gist: "active"}
		g.Nodes["b"] = &graph.Node{ID: "b", Gist: "archived", Archived: true}

		// No edge between them: b is unreachable.
		expired, changed := p.Prune(g, now)
		assert.Empty(t, expired)
		assert.True(t, changed)
		assert.Equal(t, now, g.Nodes["b"].OrphanedTS)
	})

	t.Run("reconnection clears the timestamp", func(t *testing.T) {
		g := graph.NewGraph()
		g.Nodes["a"] = &graph.Node{ID: "a", Gist: "active"}
		g.Nodes["b"] = &graph.Node{ID: "b", Gist: "archived", Archived: true,
			OrphanedTS: now - 6*day}
		g.Edges[graph.EdgeKey{From: "a", To: "b", Rel: "uses"}] = &graph.Edge{From: "a", To: "b", Rel: "uses"}

		expired, changed := p.Prune(g, now)
		assert.Empty(t, expired)
		assert.True(t, changed)
		assert.Zero(t, g.Nodes["b"].OrphanedTS)
		assert.True(t, g.Nodes["b"].Archived, "reconnection does not unarchive")
	})

	t.Run("grace expiry schedules deletion", func(t *testing.T) {
		g := graph.NewGraph()
		g.Nodes["a"] = &graph.Node{ID: "a", Gist: "active"}
		g.Nodes["b"] = &graph.Node{ID: "b", Gist: "archived", Archived: true,
			OrphanedTS: now - 8*day}

		expired, changed := p.Prune(g, now)
		assert.Equal(t, []string{"b"}, expired)
		assert.False(t, changed, "expiry alone mutates nothing")
		assert.Contains(t, g.Nodes, "b", "deletion is the caller's job")
	})

	t.Run("within grace stays put", func(t *testing.T) {
		g := graph.NewGraph()
		g.Nodes["b"] = &graph.Node{ID: "b", Gist: "archived", Archived: true,
			OrphanedTS: now - 3*day}

		expired, changed := p.Prune(g, now)
		assert.Empty(t, expired)
		assert.False(t, changed)
		assert.Equal(t, now-3*day, g.Nodes["b"].OrphanedTS)
	})

	t.Run("edge between two archived nodes does not protect", func(t *testing.T) {
		g := graph.NewGraph()
		g.Nodes["x"] = &graph.Node{ID: "x", Gist: "archived", Archived: true}
		g.Nodes["y"] = &graph.Node{ID: "y", Gist: "archived", Archived: true}
		g.Edges[graph.EdgeKey{From: "x", To: "y", Rel: "uses"}] = &graph.Edge{From: "x", To: "y", Rel: "uses"}

		_, changed := p.Prune(g, now)
		assert.True(t, changed)
		assert.Equal(t, now, g.Nodes["x"].OrphanedTS)
		assert.Equal(t, now, g.Nodes["y"].OrphanedTS)
	})
}
