package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"histostack/internal/blank"
	"histostack/internal/chain"
	"histostack/internal/graph"
	"histostack/internal/slices"
)

// Plan is the resolved work of one run before anything is executed.
type Plan struct {
	RunID         string               `json:"run_id"`
	Start         int                  `json:"start"`
	End           int                  `json:"end"`
	Reference     int                  `json:"reference"`
	Assignment    slices.Assignment    `json:"assignment"`
	Reassignments []blank.Reassignment `json:"reassignments,omitempty"`
	MissingImages []int                `json:"missing_images,omitempty"`
	Blanks        []int                `json:"blanks,omitempty"`
	BlankSkipped  bool                 `json:"blank_skipped"`
	Graph         bool                 `json:"graph"`
	// Chains are in application order: the first hop leaves the moving slice.
	Chains      map[int][]chain.Hop `json:"chains"`
	Unreachable []int               `json:"unreachable,omitempty"`
}

// Moving returns the slices that have a chain, in ascending order.
func (p *Plan) Moving() []int {
	out := make([]int, 0, len(p.Chains))
	for m := range p.Chains {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// Hops returns every distinct non-trivial hop of the plan, ordered by moving
// then fixed index.
func (p *Plan) Hops() []chain.Hop {
	seen := make(map[chain.Hop]bool)
	var out []chain.Hop
	for _, m := range p.Moving() {
		for _, h := range p.Chains[m] {
			if h.Trivial() || seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Moving != out[j].Moving {
			return out[i].Moving < out[j].Moving
		}
		return out[i].Fixed < out[j].Fixed
	})
	return out
}

// ErrBlankReference is returned when the reference slice itself has no
// foreground; no chain can end on it.
var ErrBlankReference = errors.New("reference slice is blank")

// BuildChains returns, for every moving slice of a, the chain that brings it
// into the frame of the reference. A moving slice is registered onto its
// assigned slice, which in turn follows its own chain to the reference. The
// reference itself always maps through the identity.
//
// With g nil the one-step neighbour walk is used; otherwise shortest paths in
// g. Slices listed in blanks are never a registration target: neighbour walks
// step over them and the graph search runs without them. When the chain of
// the assigned slice passes back through the moving slice, the loop is cut
// and the moving slice follows that chain from its own position.
//
// Slices whose assigned slice has no path to the reference are left out and
// reported in a *graph.UnreachableError.
func BuildChains(m slices.Model, a slices.Assignment, g *graph.Graph, blanks []int) (map[int][]chain.Hop, error) {
	ref := m.Reference()

	isBlank := make(map[int]bool, len(blanks))
	for _, b := range blanks {
		isBlank[b] = true
	}
	if isBlank[ref] {
		return nil, fmt.Errorf("slice %d: %w", ref, ErrBlankReference)
	}

	roots := make([]int, 0, len(a))
	seen := make(map[int]bool)
	for _, moving := range a.Moving() {
		if r := a[moving]; !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	sort.Ints(roots)

	var (
		rootChains map[int][]chain.Hop
		graphErr   error
	)
	if g == nil {
		skip := func(i int) bool { return isBlank[i] }
		rootChains = make(map[int][]chain.Hop, len(roots))
		for _, r := range roots {
			rootChains[r] = chain.Walk(r, ref, skip)
		}
	} else {
		rootChains, graphErr = g.Without(blanks...).ChainsTo(ref, roots)
		var ue *graph.UnreachableError
		if graphErr != nil && !errors.As(graphErr, &ue) {
			return nil, graphErr
		}
	}

	chains := make(map[int][]chain.Hop, len(a))
	var unreachable []int
	for _, moving := range a.Moving() {
		if moving == ref {
			chains[moving] = []chain.Hop{{Moving: ref, Fixed: ref}}
			continue
		}
		root := a[moving]
		if isBlank[root] {
			return nil, fmt.Errorf("slice %d is assigned to blank slice %d", moving, root)
		}
		rc, ok := rootChains[root]
		if !ok {
			unreachable = append(unreachable, moving)
			continue
		}
		var hops []chain.Hop
		switch {
		case root == moving:
			hops = append(hops, rc...)
		case root == ref:
			hops = []chain.Hop{{Moving: moving, Fixed: ref}}
		default:
			hops = append([]chain.Hop{{Moving: moving, Fixed: root}}, rc...)
			hops = eraseLoop(hops, moving)
		}
		if err := chain.Validate(hops, moving, ref); err != nil {
			return nil, fmt.Errorf("slice %d: %w", moving, err)
		}
		chains[moving] = hops
	}

	if len(unreachable) > 0 {
		return chains, &graph.UnreachableError{Reference: ref, Nodes: unreachable}
	}
	return chains, nil
}

// eraseLoop drops the hops before the last hop leaving moving.
func eraseLoop(hops []chain.Hop, moving int) []chain.Hop {
	for i := len(hops) - 1; i > 0; i-- {
		if hops[i].Moving == moving {
			return hops[i:]
		}
	}
	return hops
}
