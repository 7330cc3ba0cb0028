package umi

import "sort"

// GroupingMethod selects the algorithm Processor.Cluster uses to collapse
// UMIs observed at one position key into duplicate groups.
type GroupingMethod int

const (
	// Directional is the UMI-tools directional-adjacency algorithm: a
	// UMI may absorb any number of lower-count neighbors within the
	// Hamming threshold (§4.1).
	Directional GroupingMethod = iota
	// Acyclic restricts each UMI to at most one outbound edge (to its
	// single best, highest-count neighbor), producing a forest instead
	// of a general directed graph and therefore smaller, stricter
	// clusters than Directional.
	Acyclic
	// Raw performs no clustering: every distinct UMI is its own
	// singleton cluster.
	Raw
)

// DefaultThreshold is the default Hamming-distance threshold (τ) for
// adjacency between two UMIs.
const DefaultThreshold = 1

// Cluster is a non-empty, deduplicated sequence of UMIs belonging to one
// duplicate group. Cluster[0] is the representative.
type Cluster []Seq

// Representative returns the cluster's chosen UMI.
func (c Cluster) Representative() Seq { return c[0] }

// Processor implements the UMI grouping algorithms of §4.1.
type Processor struct {
	// Threshold is the maximum Hamming distance at which two UMIs are
	// considered adjacency candidates. The substring index is only
	// sound for Threshold == 1; for any larger threshold, Cluster falls
	// back to all-pairs comparison.
	Threshold int
	// Method selects which of Directional, Acyclic, or Raw is applied.
	Method GroupingMethod
}

// NewProcessor returns a Processor configured for the directional method
// with the default threshold, matching the original tool's default.
func NewProcessor() *Processor {
	return &Processor{Threshold: DefaultThreshold, Method: Directional}
}

// Cluster groups umis (all assumed to be the same length; lengths are
// validated as Hamming distances are computed) according to p.Method,
// using counts to decide which UMI in a pair absorbs the other. umis is
// consumed by value; its order does not need to be pre-sorted — Cluster
// sorts its own working copy lexicographically so that results are
// reproducible across runs regardless of the input map's iteration order
// (see SPEC_FULL.md §9, Open Questions).
//
// Cluster returns ErrMalformedUMISet if any two umis of differing length
// are compared.
func (p *Processor) Cluster(umis []Seq, counts map[Seq]int) ([]Cluster, error) {
	if len(umis) == 0 {
		return nil, nil
	}
	if p.Method == Raw {
		out := make([]Cluster, 0, len(umis))
		for _, u := range sortedCopy(umis) {
			out = append(out, Cluster{u})
		}
		return out, nil
	}

	sorted := sortedCopy(umis)
	adj, err := p.buildAdjacency(sorted, counts)
	if err != nil {
		return nil, err
	}
	components := connectedComponents(sorted, adj)
	return reduceComponents(components), nil
}

func sortedCopy(umis []Seq) []Seq {
	out := make([]Seq, len(umis))
	copy(out, umis)
	sort.Strings(out)
	return out
}

// buildAdjacency constructs the directed adjacency graph described in
// §4.1: for every pair within Hamming distance p.Threshold, an edge runs
// from the higher-count UMI to the lower-count one, provided
// counts[parent] >= 2*counts[child]-1. Every UMI in sorted appears as a
// key, including isolated UMIs with an empty edge set.
func (p *Processor) buildAdjacency(sorted []Seq, counts map[Seq]int) (map[Seq]map[Seq]struct{}, error) {
	adj := make(map[Seq]map[Seq]struct{}, len(sorted))
	for _, u := range sorted {
		adj[u] = make(map[Seq]struct{})
	}

	var idx *SubstringIndex
	if p.Threshold == 1 {
		idx = NewSubstringIndex(sorted)
	}

	for _, a := range sorted {
		candidates := p.candidatesFor(a, sorted, idx)
		for _, b := range candidates {
			if a == b {
				continue
			}
			d, err := Hamming(a, b)
			if err != nil {
				return nil, err
			}
			if d > p.Threshold {
				continue
			}
			p.addEdge(adj, a, b, counts)
		}
	}
	return adj, nil
}

// candidatesFor returns the UMIs that should be Hamming-compared against
// a: the substring index's candidate set when the index is sound
// (Threshold == 1), else every other UMI (all-pairs fallback per §4.2).
func (p *Processor) candidatesFor(a Seq, all []Seq, idx *SubstringIndex) []Seq {
	if idx != nil {
		return idx.Candidates(a)
	}
	out := make([]Seq, 0, len(all)-1)
	for _, b := range all {
		if b != a {
			out = append(out, b)
		}
	}
	return out
}

// addEdge applies the count-asymmetry rule for one candidate pair,
// honoring p.Method: Directional allows a parent arbitrarily many
// outbound edges; Acyclic keeps only the single best (highest-count,
// then lexicographically-first) outbound edge per node.
func (p *Processor) addEdge(adj map[Seq]map[Seq]struct{}, a, b Seq, counts map[Seq]int) {
	ca, cb := counts[a], counts[b]
	var parent, child Seq
	switch {
	case ca >= 2*cb-1 && cb >= 2*ca-1:
		// Symmetric case (both sides satisfy the rule, e.g. both
		// counts are 1): the lexicographically-first UMI of the pair
		// is the parent, since sorted is already in that order and a
		// is visited before b only when a < b.
		if a < b {
			parent, child = a, b
		} else {
			parent, child = b, a
		}
	case ca >= 2*cb-1:
		parent, child = a, b
	case cb >= 2*ca-1:
		parent, child = b, a
	default:
		return
	}

	if p.Method == Acyclic {
		if existing := adj[parent]; len(existing) == 1 {
			for cur := range existing {
				if counts[cur] > counts[child] || (counts[cur] == counts[child] && cur < child) {
					return
				}
				delete(existing, cur)
			}
		}
	}
	adj[parent][child] = struct{}{}
}

// connectedComponents performs BFS from each unvisited node (in sorted
// order) following outbound edges, producing one component per BFS run.
// A node is visited globally, so it appears in exactly one component.
func connectedComponents(sorted []Seq, adj map[Seq]map[Seq]struct{}) [][]Seq {
	visited := make(map[Seq]bool, len(sorted))
	var components [][]Seq

	for _, start := range sorted {
		if visited[start] {
			continue
		}
		var component []Seq
		queue := []Seq{start}
		visited[start] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			component = append(component, node)
			// Iterate neighbors in sorted order for determinism.
			neighbors := make([]Seq, 0, len(adj[node]))
			for n := range adj[node] {
				neighbors = append(neighbors, n)
			}
			sort.Strings(neighbors)
			for _, next := range neighbors {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		components = append(components, component)
	}
	return components
}

// reduceComponents turns BFS discovery order into clusters: a
// length-1 component is emitted as-is; longer components are
// de-duplicated preserving first-occurrence order, with the first
// element as representative.
func reduceComponents(components [][]Seq) []Cluster {
	clusters := make([]Cluster, 0, len(components))
	for _, component := range components {
		if len(component) == 1 {
			clusters = append(clusters, Cluster{component[0]})
			continue
		}
		seen := make(map[Seq]bool, len(component))
		cluster := make(Cluster, 0, len(component))
		for _, u := range component {
			if !seen[u] {
				seen[u] = true
				cluster = append(cluster, u)
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}
