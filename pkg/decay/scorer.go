// Package decay implements the memory-pressure lifecycle: scoring active
// nodes for keep-value, archiving the lowest scorers when a graph exceeds
// its token budget, and garbage-collecting archived nodes that stay
// disconnected past a grace window.
//
// The lifecycle is three pure-ish stages, each usable on its own:
//
//	Scorer    — percentile keep-value per eligible node
//	Compactor — archive ascending-score nodes until under target
//	Pruner    — orphan timestamps and expiry for archived nodes
//
// None of them lock, save, or touch version records (the pruner's expired
// list is handed back to the caller for cascading deletion). The store
// drives all three under its own mutex on every maintenance tick.
package decay

import (
	"sort"

	"github.com/orneryd/muninn/pkg/graph"
)

// Scorer assigns a keep-value in [0,1] to every eligible node.
//
// Eligibility: active (not archived) and last written longer ago than the
// grace period. A node with no version record counts as written "now" and
// is therefore protected. Grace is what makes recall stick: recalling a
// node refreshes its version ts, so the next compaction cannot archive it
// straight back.
//
// Scoring is percentile-based rather than absolute. Each node gets a rank
// in [0,1] on three axes and the final score is the product:
//
//	recency       — version ts, ascending (newer = higher rank)
//	connectedness — incident edge count + len(touches)
//	richness      — len(gist) + Σ len(notes)
//
// Rank is position/(n-1) in sorted order, or 0.5 when only one node is
// eligible. Percentiles self-calibrate against the current graph: however
// the absolute numbers are distributed, there is always a bottom to shed.
type Scorer struct {
	gracePeriodSeconds float64
}

// NewScorer builds a scorer with the given grace period in days.
func NewScorer(gracePeriodDays int) *Scorer {
	return &Scorer{gracePeriodSeconds: float64(gracePeriodDays) * 24 * 60 * 60}
}

type scoredNode struct {
	id               string
	recencyRaw       float64
	connectednessRaw int
	richnessRaw      int

	recencyPct       float64
	connectednessPct float64
	richnessPct      float64
}

// ScoreAll scores every eligible node in g. Returns an empty map when
// every active node is inside grace. now is float seconds since epoch.
func (s *Scorer) ScoreAll(g *graph.Graph, versions map[string]*graph.Version, now float64) map[string]float64 {
	// Incident edge count per node reference. Counts every stored edge,
	// dangling ones included.
	edgeCount := make(map[string]int)
	for key := range g.Edges {
		edgeCount[key.From]++
		edgeCount[key.To]++
	}

	var eligible []*scoredNode
	for id, node := range g.Nodes {
		if node.Archived {
			continue
		}

		lastUpdate := now
		if ver, ok := versions[graph.NodeVersionKey(id)]; ok {
			lastUpdate = ver.TS
		}
		if now-lastUpdate < s.gracePeriodSeconds {
			continue
		}

		richness := len(node.Gist)
		for _, note := range node.Notes {
			richness += len(note)
		}
		eligible = append(eligible, &scoredNode{
			id:               id,
			recencyRaw:       lastUpdate,
			connectednessRaw: edgeCount[id] + len(node.Touches),
			richnessRaw:      richness,
		})
	}
	if len(eligible) == 0 {
		return map[string]float64{}
	}

	// Pre-sort by ID so tie ranks are deterministic under the stable
	// per-axis sorts below (map iteration order is not).
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].id < eligible[j].id })

	rank(eligible,
		func(a, b *scoredNode) bool { return a.recencyRaw < b.recencyRaw },
		func(n *scoredNode, pct float64) { n.recencyPct = pct })
	rank(eligible,
		func(a, b *scoredNode) bool { return a.connectednessRaw < b.connectednessRaw },
		func(n *scoredNode, pct float64) { n.connectednessPct = pct })
	rank(eligible,
		func(a, b *scoredNode) bool { return a.richnessRaw < b.richnessRaw },
		func(n *scoredNode, pct float64) { n.richnessPct = pct })

	scores := make(map[string]float64, len(eligible))
	for _, n := range eligible {
		scores[n.id] = n.recencyPct * n.connectednessPct * n.richnessPct
	}
	return scores
}

// rank sorts eligible ascending by one axis and assigns i/(n-1) by
// position, or 0.5 for a single node.
func rank(eligible []*scoredNode, less func(a, b *scoredNode) bool, set func(*scoredNode, float64)) {
	sort.SliceStable(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })
	n := len(eligible)
	for i, node := range eligible {
		if n == 1 {
			set(node, 0.5)
		} else {
			set(node, float64(i)/float64(n-1))
		}
	}
}
