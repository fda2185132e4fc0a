package scheduler

// computeIndegrees calculates the indegree of each node of adj, where
// adj[u] lists the nodes that wait for u.
func computeIndegrees(adj [][]int) []int {
	indeg := make([]int, len(adj))
	for u := range adj {
		for _, v := range adj[u] {
			indeg[v]++
		}
	}
	return indeg
}
