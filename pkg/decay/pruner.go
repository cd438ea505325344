package decay

import (
	"log"

	"github.com/orneryd/muninn/pkg/graph"
)

// Pruner garbage-collects archived nodes that have lost their last active
// neighbor. An archived node reachable from an active one is a breadcrumb
// worth keeping (an agent can follow the dangling edge and recall it); an
// unreachable one is dead weight once the grace window passes.
type Pruner struct {
	graceSeconds float64
}

// NewPruner builds a pruner with the given orphan grace period in days.
func NewPruner(orphanGraceDays int) *Pruner {
	return &Pruner{graceSeconds: float64(orphanGraceDays) * 24 * 60 * 60}
}

// Prune walks the archived nodes of g and advances their orphan state:
//
//   - reachable from an active node → clear OrphanedTS (reconnection
//     resets the clock entirely)
//   - unreachable, no timestamp     → stamp OrphanedTS = now
//   - unreachable past grace        → returned in expired
//
// The graph is mutated in place for the timestamp transitions; expired
// nodes are NOT removed here. The caller deletes them through its
// cascading delete path so incident edges and version records go too.
// changed reports whether any timestamp was set or cleared.
func (p *Pruner) Prune(g *graph.Graph, now float64) (expired []string, changed bool) {
	active := g.ActiveIDs()

	// Archived nodes that still touch an active neighbor.
	reachable := make(map[string]struct{})
	for key := range g.Edges {
		if _, ok := active[key.From]; ok {
			reachable[key.To] = struct{}{}
		}
		if _, ok := active[key.To]; ok {
			reachable[key.From] = struct{}{}
		}
	}

	for id, node := range g.Nodes {
		if !node.Archived {
			continue
		}

		if _, ok := reachable[id]; ok {
			if node.OrphanedTS != 0 {
				node.OrphanedTS = 0
				changed = true
				log.Printf("node %q reconnected, cleared orphan timestamp", id)
			}
			continue
		}

		switch {
		case node.OrphanedTS == 0:
			node.OrphanedTS = now
			changed = true
			log.Printf("node %q orphaned, grace period started", id)
		case now-node.OrphanedTS > p.graceSeconds:
			expired = append(expired, id)
			log.Printf("node %q orphan grace expired, scheduling deletion", id)
		}
	}
	return expired, changed
}
