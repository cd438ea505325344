package decay

import (
	"log"
	"sort"

	"github.com/orneryd/muninn/pkg/graph"
)

// CompactionTargetRatio is how far below the limit compaction drives the
// estimate once triggered. Stopping short of the limit buys headroom so a
// graph hovering at the boundary does not archive one node per tick.
const CompactionTargetRatio = 0.9

// Compactor archives the lowest-value nodes when a graph exceeds its token
// budget. It only ever flips the archived flag: no deletion, no version
// changes, and within-grace nodes are untouchable (the scorer never emits
// them).
type Compactor struct {
	scorer    *Scorer
	maxTokens int
}

// NewCompactor builds a compactor over the given scorer and token limit.
func NewCompactor(scorer *Scorer, maxTokens int) *Compactor {
	return &Compactor{scorer: scorer, maxTokens: maxTokens}
}

// CompactIfNeeded archives ascending-score nodes until the live estimate
// drops to CompactionTargetRatio of the limit. Returns archived node IDs
// in archive order; empty when the graph is under budget or nothing is
// eligible.
func (c *Compactor) CompactIfNeeded(g *graph.Graph, versions map[string]*graph.Version, now float64) []string {
	estimated := graph.EstimateGraph(g, false)
	if estimated <= c.maxTokens {
		return nil
	}

	log.Printf("compacting graph: %d tokens > %d limit", estimated, c.maxTokens)

	scores := c.scorer.ScoreAll(g, versions, now)
	if len(scores) == 0 {
		log.Printf("no nodes eligible for archiving (all within grace period)")
		return nil
	}

	// Ascending score, ties by ID so a given graph state always archives
	// the same nodes.
	candidates := make([]string, 0, len(scores))
	for id := range scores {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if scores[candidates[i]] != scores[candidates[j]] {
			return scores[candidates[i]] < scores[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	target := int(float64(c.maxTokens) * CompactionTargetRatio)
	var archived []string

	for _, id := range candidates {
		if estimated <= target {
			break
		}
		node := g.Nodes[id]
		if node == nil || node.Archived {
			continue
		}
		cost := graph.EstimateNode(node)
		node.Archived = true
		estimated -= cost
		archived = append(archived, id)
		log.Printf("archived node %q (score %.3f, %d tokens)", id, scores[id], cost)
	}

	log.Printf("compaction complete: archived %d nodes, now ~%d tokens", len(archived), estimated)
	return archived
}
