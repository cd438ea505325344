package graph

// Token cost model. Estimates approximate what a graph costs when rendered
// into an LLM context window. The constants are deliberately coarse; the
// estimator's job is a stable pressure signal for compaction, not accuracy.
const (
	// BaseNodeTokens is the fixed per-node overhead (id, punctuation,
	// structural syntax in the rendered form).
	BaseNodeTokens = 20

	// CharsPerToken is the chars-to-tokens divisor for free text.
	CharsPerToken = 4

	// TokensPerEdge is the flat per-edge cost.
	TokensPerEdge = 15
)

// EstimateNode returns the token cost of a single node:
// base overhead plus gist and note text at CharsPerToken chars per token.
// Integer arithmetic throughout; each division floors independently.
func EstimateNode(n *Node) int {
	tokens := BaseNodeTokens + len(n.Gist)/CharsPerToken
	for _, note := range n.Notes {
		tokens += len(note) / CharsPerToken
	}
	return tokens
}

// EstimateGraph returns the token cost of a whole level.
//
// Archived nodes cost nothing unless includeArchived is set; that exclusion
// is what makes archiving relieve budget pressure. Edges always count, even
// when an endpoint is archived or missing.
func EstimateGraph(g *Graph, includeArchived bool) int {
	tokens := 0
	for _, node := range g.Nodes {
		if node.Archived && !includeArchived {
			continue
		}
		tokens += EstimateNode(node)
	}
	tokens += len(g.Edges) * TokensPerEdge
	return tokens
}
