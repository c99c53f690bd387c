package routes

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/trip"
)

// minMergeDistance floors merge distances so lambda = 1/distance stays finite
// for exact duplicates.
const minMergeDistance = 1e-12

// HDBSCANConfig configures the hierarchical strategy.
type HDBSCANConfig struct {
	// MinClusterSize is the smallest group reported as a cluster.
	MinClusterSize int

	// MinSamples is the k used for core distances. Default: MinClusterSize.
	MinSamples int

	Metric Metric
	Logger zerolog.Logger
}

// HDBSCAN replaces the fixed eps of DBSCAN with a cluster hierarchy over
// mutual reachability distances, keeping the most stable clusters.
// The root is never selected, so a batch holding one single corridor comes
// out as noise; use DBSCAN for such batches.
type HDBSCAN struct {
	config HDBSCANConfig
	logger zerolog.Logger
}

var _ Clusterer = (*HDBSCAN)(nil)

// NewHDBSCAN creates an HDBSCAN clusterer.
func NewHDBSCAN(cfg HDBSCANConfig) (*HDBSCAN, error) {
	if cfg.MinClusterSize < 2 {
		return nil, &config.ConfigurationError{
			Field:  "hdbscan_min_cluster_size",
			Reason: fmt.Sprintf("must be >= 2, got %d", cfg.MinClusterSize),
		}
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = cfg.MinClusterSize
	}
	return &HDBSCAN{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "hdbscan").Logger(),
	}, nil
}

// Name implements Clusterer.
func (h *HDBSCAN) Name() string {
	return string(config.StrategyHDBSCAN)
}

// Cluster implements Clusterer.
func (h *HDBSCAN) Cluster(vectors []trip.FeatureVector) (*Result, error) {
	if err := checkUnique(vectors); err != nil {
		return nil, err
	}
	start := time.Now()

	n := len(vectors)
	dist := h.config.Metric.matrix(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseID
	}

	if n >= h.config.MinClusterSize && n >= 2 {
		mst := minimumSpanningTree(mutualReachability(dist, h.config.MinSamples))
		tree := singleLinkage(n, mst)
		condensed := condense(tree, n, h.config.MinClusterSize)
		selected := selectClusters(condensed)
		labelPoints(condensed, selected, labels)
	}

	res := buildResult(h.Name(), vectors, labels, dist)

	h.logger.Debug().
		Int("trips", n).
		Int("clusters", res.Metrics.NumClusters).
		Int("noise", res.Metrics.NumNoise).
		Dur("duration", time.Since(start)).
		Msg("Clustering complete")

	return res, nil
}

// mutualReachability returns max(core(i), core(j), d(i,j)) where core is the
// distance to the k-th nearest trip, the trip itself counted.
func mutualReachability(dist [][]float64, k int) [][]float64 {
	n := len(dist)
	if k > n {
		k = n
	}
	core := make([]float64, n)
	row := make([]float64, n)
	for i := range dist {
		copy(row, dist[i])
		sort.Float64s(row)
		core[i] = row[k-1]
	}

	mr := make([][]float64, n)
	for i := range mr {
		mr[i] = make([]float64, n)
		for j := range mr[i] {
			if i != j {
				mr[i][j] = math.Max(math.Max(core[i], core[j]), dist[i][j])
			}
		}
	}
	return mr
}

type mstEdge struct {
	a, b   int
	weight float64
}

// minimumSpanningTree runs Prim's algorithm on the dense graph and returns
// the edges sorted by weight, ties in insertion order.
func minimumSpanningTree(w [][]float64) []mstEdge {
	n := len(w)
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true
	for step := 1; step < n; step++ {
		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			if w[current][j] < best[j] {
				best[j] = w[current][j]
				from[j] = current
			}
			if next == -1 || best[j] < best[next] {
				next = j
			}
		}
		inTree[next] = true
		edges = append(edges, mstEdge{a: from[next], b: next, weight: best[next]})
		current = next
	}

	sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })
	return edges
}

// linkage is a single-linkage dendrogram. Nodes 0..n-1 are trips, node n+i
// is the i-th merge; the last node is the root.
type linkage struct {
	left, right []int
	dist        []float64
	size        []int
}

func (l *linkage) root() int {
	return len(l.size) - 1
}

func singleLinkage(n int, edges []mstEdge) *linkage {
	total := 2*n - 1
	l := &linkage{
		left:  make([]int, total),
		right: make([]int, total),
		dist:  make([]float64, total),
		size:  make([]int, total),
	}
	for i := 0; i < n; i++ {
		l.left[i], l.right[i] = -1, -1
		l.size[i] = 1
	}

	parent := make([]int, total)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	next := n
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		l.left[next], l.right[next] = ra, rb
		l.dist[next] = e.weight
		l.size[next] = l.size[ra] + l.size[rb]
		parent[ra], parent[rb] = next, next
		next++
	}
	return l
}

// condensedEdge links a cluster to a child cluster or to a trip that falls
// out of it at lambda.
type condensedEdge struct {
	parent int
	child  int // trip index when point, otherwise cluster label
	lambda float64
	size   int
	point  bool
}

type condensedTree struct {
	edges    []condensedEdge
	clusters int // labels 0..clusters-1, root is 0
}

func lambdaOf(d float64) float64 {
	return 1 / math.Max(d, minMergeDistance)
}

// condense walks the dendrogram from the root. A split where both sides
// reach minSize creates two child clusters; otherwise the small side's trips
// fall out and the large side keeps the parent's label.
func condense(l *linkage, n, minSize int) *condensedTree {
	ct := &condensedTree{clusters: 1}

	type frame struct{ node, label int }
	stack := []frame{{node: l.root(), label: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.node < n {
			continue
		}

		lambda := lambdaOf(l.dist[f.node])
		left, right := l.left[f.node], l.right[f.node]
		ls, rs := l.size[left], l.size[right]

		switch {
		case ls >= minSize && rs >= minSize:
			for _, child := range []int{left, right} {
				label := ct.clusters
				ct.clusters++
				ct.edges = append(ct.edges, condensedEdge{parent: f.label, child: label, lambda: lambda, size: l.size[child]})
				stack = append(stack, frame{node: child, label: label})
			}
		case ls >= minSize:
			ct.fallOut(l, n, right, f.label, lambda)
			stack = append(stack, frame{node: left, label: f.label})
		case rs >= minSize:
			ct.fallOut(l, n, left, f.label, lambda)
			stack = append(stack, frame{node: right, label: f.label})
		default:
			ct.fallOut(l, n, left, f.label, lambda)
			ct.fallOut(l, n, right, f.label, lambda)
		}
	}
	return ct
}

func (ct *condensedTree) fallOut(l *linkage, n, node, label int, lambda float64) {
	stack := []int{node}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if x < n {
			ct.edges = append(ct.edges, condensedEdge{parent: label, child: x, lambda: lambda, size: 1, point: true})
			continue
		}
		stack = append(stack, l.right[x], l.left[x])
	}
}

// selectClusters picks clusters by excess of mass. A cluster is kept when
// its own stability is at least the combined stability of its selected
// descendants. The root is never selected.
func selectClusters(ct *condensedTree) []bool {
	m := ct.clusters
	birth := make([]float64, m)
	children := make([][]int, m)
	for _, e := range ct.edges {
		if !e.point {
			birth[e.child] = e.lambda
			children[e.parent] = append(children[e.parent], e.child)
		}
	}

	stability := make([]float64, m)
	for _, e := range ct.edges {
		stability[e.parent] += (e.lambda - birth[e.parent]) * float64(e.size)
	}

	selected := make([]bool, m)
	// Children always carry larger labels than their parent.
	for c := m - 1; c >= 1; c-- {
		var sub float64
		for _, ch := range children[c] {
			sub += stability[ch]
		}
		if len(children[c]) == 0 || stability[c] >= sub {
			selected[c] = true
			unselectDescendants(children, selected, c)
		} else {
			stability[c] = sub
		}
	}
	return selected
}

func unselectDescendants(children [][]int, selected []bool, c int) {
	for _, ch := range children[c] {
		selected[ch] = false
		unselectDescendants(children, selected, ch)
	}
}

// labelPoints assigns each trip to the selected cluster it fell out of, or
// to the nearest selected ancestor of that cluster.
func labelPoints(ct *condensedTree, selected []bool, labels []int) {
	parentOf := make([]int, ct.clusters)
	parentOf[0] = -1
	for _, e := range ct.edges {
		if !e.point {
			parentOf[e.child] = e.parent
		}
	}

	for _, e := range ct.edges {
		if !e.point {
			continue
		}
		labels[e.child] = NoiseID
		for c := e.parent; c >= 0; c = parentOf[c] {
			if selected[c] {
				labels[e.child] = c
				break
			}
		}
	}
}
