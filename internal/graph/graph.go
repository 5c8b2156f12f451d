// Package graph models pairwise registration quality as a weighted directed
// graph over slice indices and picks the cheapest chain from every slice to
// the reference.
//
// Edge cost grows with both the registration score and the index distance:
//
//	weight(i, j) = (1 + score) * |i-j| * (1 + lambda)^|i-j|
//
// so a chain that skips many slices is only taken when the neighbouring
// registrations are markedly worse.
package graph

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"histostack/internal/registry"
	"histostack/internal/slices"
)

// ErrNoPath is returned when two slices are not connected.
var ErrNoPath = errors.New("no path between slices")

// Hop is one pairwise registration on a chain.
type Hop = registry.Pair

// Row is one pairwise similarity measurement. Lower scores mean better
// alignment, e.g. a negative cross-correlation.
type Row struct {
	A, B  int
	Score float64
}

// Weight is the edge cost of registering slices i and j with the given score.
func Weight(i, j int, score, lambda float64) float64 {
	d := math.Abs(float64(i - j))
	return (1 + score) * d * math.Pow(1+lambda, d)
}

// UnreachableError lists slices with no chain to the reference.
type UnreachableError struct {
	Reference int
	Nodes     []int
}

func (e *UnreachableError) Error() string {
	ids := make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		ids[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("%d slice(s) not connected to reference %d: %s", len(e.Nodes), e.Reference, strings.Join(ids, ", "))
}

// Graph is a read-only similarity graph.
type Graph struct {
	g      *simple.WeightedDirectedGraph
	lambda float64
}

// edge keeps the measured score next to the derived weight for DOT output.
type edge struct {
	simple.WeightedEdge
	score float64
}

func (e edge) Attributes() []encoding.Attribute {
	return []encoding.Attribute{
		{Key: "weight", Value: strconv.FormatFloat(e.W, 'g', 6, 64)},
		{Key: "label", Value: strconv.FormatFloat(e.score, 'g', 4, 64)},
	}
}

// Build inserts both directions of every row. Self rows are ignored and
// duplicate measurements keep the cheaper edge. Rows producing a negative
// weight are rejected.
func Build(rows []Row, lambda float64) (*Graph, error) {
	if lambda < 0 {
		return nil, fmt.Errorf("lambda must be non-negative, got %g", lambda)
	}
	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	out := &Graph{g: g, lambda: lambda}

	for _, r := range rows {
		out.AddNodes(r.A, r.B)
		if r.A == r.B {
			continue
		}
		w := Weight(r.A, r.B, r.Score, lambda)
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("row (%d, %d, %g) gives invalid weight %g", r.A, r.B, r.Score, w)
		}
		out.setEdge(r.A, r.B, w, r.Score)
		out.setEdge(r.B, r.A, w, r.Score)
	}
	return out, nil
}

func (g *Graph) setEdge(from, to int, w, score float64) {
	if existing := g.g.WeightedEdge(int64(from), int64(to)); existing != nil && existing.Weight() <= w {
		return
	}
	g.g.SetWeightedEdge(edge{
		WeightedEdge: simple.WeightedEdge{F: simple.Node(from), T: simple.Node(to), W: w},
		score:        score,
	})
}

// AddNodes makes sure ids exist, so that slices without measurements are
// reported as unreachable rather than unknown.
func (g *Graph) AddNodes(ids ...int) {
	for _, id := range ids {
		if g.g.Node(int64(id)) == nil {
			g.g.AddNode(simple.Node(id))
		}
	}
}

// Without returns a copy of g with the given slices and their edges removed.
func (g *Graph) Without(ids ...int) *Graph {
	if len(ids) == 0 {
		return g
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[int64(id)] = true
	}
	out := &Graph{g: simple.NewWeightedDirectedGraph(0, math.Inf(1)), lambda: g.lambda}
	for _, n := range graph.NodesOf(g.g.Nodes()) {
		if !drop[n.ID()] {
			out.g.AddNode(n)
		}
	}
	edges := g.g.WeightedEdges()
	for edges.Next() {
		e := edges.WeightedEdge()
		if drop[e.From().ID()] || drop[e.To().ID()] {
			continue
		}
		out.g.SetWeightedEdge(e)
	}
	return out
}

// Nodes returns the slice indices in ascending order.
func (g *Graph) Nodes() []int {
	nodes := graph.NodesOf(g.g.Nodes())
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = int(n.ID())
	}
	sort.Ints(out)
	return out
}

// EdgeWeight returns the cost of the edge from i to j.
func (g *Graph) EdgeWeight(i, j int) (float64, bool) {
	e := g.g.WeightedEdge(int64(i), int64(j))
	if e == nil {
		return 0, false
	}
	return e.Weight(), true
}

// ShortestChain returns the cheapest hop sequence from one slice to another,
// in path order, with its total cost.
func (g *Graph) ShortestChain(from, to int) ([]Hop, float64, error) {
	if g.g.Node(int64(from)) == nil || g.g.Node(int64(to)) == nil {
		return nil, 0, fmt.Errorf("slices %d and %d: %w", from, to, ErrNoPath)
	}
	if from == to {
		return []Hop{{Moving: from, Fixed: to}}, 0, nil
	}
	nodes, cost := path.DijkstraFrom(simple.Node(from), g.g).To(int64(to))
	if len(nodes) == 0 || math.IsInf(cost, 1) {
		return nil, 0, fmt.Errorf("slices %d and %d: %w", from, to, ErrNoPath)
	}
	hops := make([]Hop, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		hops = append(hops, Hop{Moving: int(nodes[i-1].ID()), Fixed: int(nodes[i].ID())})
	}
	return hops, cost, nil
}

// ChainsTo runs one shortest-path search from the reference and returns, for
// every requested slice, the registration chain from that slice to the
// reference in application order. Slices without a path are collected in the
// returned error while reachable slices still get their chains.
func (g *Graph) ChainsTo(reference int, nodes []int) (map[int][]Hop, error) {
	chains := make(map[int][]Hop, len(nodes))
	unreachable := &UnreachableError{Reference: reference}

	if g.g.Node(int64(reference)) == nil {
		unreachable.Nodes = append(unreachable.Nodes, nodes...)
		sort.Ints(unreachable.Nodes)
		return chains, unreachable
	}

	tree := path.DijkstraFrom(simple.Node(reference), g.g)
	for _, n := range nodes {
		if n == reference {
			chains[n] = []Hop{{Moving: n, Fixed: n}}
			continue
		}
		if g.g.Node(int64(n)) == nil {
			unreachable.Nodes = append(unreachable.Nodes, n)
			continue
		}
		p, cost := tree.To(int64(n))
		if len(p) == 0 || math.IsInf(cost, 1) {
			unreachable.Nodes = append(unreachable.Nodes, n)
			continue
		}
		// p runs reference -> n; registration runs n -> reference
		hops := make([]Hop, 0, len(p)-1)
		for i := len(p) - 1; i > 0; i-- {
			hops = append(hops, Hop{Moving: int(p[i].ID()), Fixed: int(p[i-1].ID())})
		}
		chains[n] = hops
	}

	if len(unreachable.Nodes) > 0 {
		sort.Ints(unreachable.Nodes)
		return chains, unreachable
	}
	return chains, nil
}

// WriteDOT writes the graph in Graphviz DOT format.
func (g *Graph) WriteDOT(w io.Writer, name string) error {
	b, err := dot.Marshal(g.g, name, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dot: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// ParseRows reads "indexA<delim>indexB<delim>score" lines.
func ParseRows(r io.Reader) ([]Row, error) {
	records, err := slices.ReadRows(r, 3)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		a, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: index a: %w", i+1, err)
		}
		b, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: index b: %w", i+1, err)
		}
		score, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: score: %w", i+1, err)
		}
		rows = append(rows, Row{A: a, B: b, Score: score})
	}
	return rows, nil
}

// LoadRows reads a similarity file from disk.
func LoadRows(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	rows, err := ParseRows(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}
