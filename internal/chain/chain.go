// Package chain builds the ordered hops that bring a slice into the frame of
// the reference slice, one neighbouring slice at a time.
package chain

import (
	"fmt"
	"path/filepath"

	"histostack/internal/registry"
)

// Hop is one pairwise registration of Moving onto Fixed.
type Hop = registry.Pair

// PartialChain returns the single-step registration for moving: the self pair
// at the reference, otherwise one slice toward the reference.
func PartialChain(moving, reference int) []Hop {
	switch {
	case moving == reference:
		return []Hop{{Moving: reference, Fixed: reference}}
	case moving > reference:
		return []Hop{{Moving: moving, Fixed: moving - 1}}
	default:
		return []Hop{{Moving: moving, Fixed: moving + 1}}
	}
}

// ComposedChain returns every single-step hop between moving and reference.
//
// Below the reference the hops are listed from the moving slice upward,
// (m, m+1) ... (ref-1, ref). Above it they are listed from the reference
// outward, (ref+1, ref) ... (m, m-1). Use ApplicationOrder to get the order in
// which the hops act on the moving slice.
func ComposedChain(moving, reference int) []Hop {
	if moving == reference {
		return []Hop{{Moving: reference, Fixed: reference}}
	}
	if moving < reference {
		hops := make([]Hop, 0, reference-moving)
		for j := moving; j < reference; j++ {
			hops = append(hops, Hop{Moving: j, Fixed: j + 1})
		}
		return hops
	}
	hops := make([]Hop, 0, moving-reference)
	for j := reference; j < moving; j++ {
		hops = append(hops, Hop{Moving: j + 1, Fixed: j})
	}
	return hops
}

// Walk returns the one-step walk from moving to reference in application
// order, stepping over every index for which skip reports true. The reference
// itself is never skipped. A nil skip gives ComposedChain in application order.
func Walk(moving, reference int, skip func(int) bool) []Hop {
	if moving == reference {
		return []Hop{{Moving: reference, Fixed: reference}}
	}
	step := 1
	if moving > reference {
		step = -1
	}
	var hops []Hop
	for cur := moving; cur != reference; {
		next := cur + step
		for next != reference && skip != nil && skip(next) {
			next += step
		}
		hops = append(hops, Hop{Moving: cur, Fixed: next})
		cur = next
	}
	return hops
}

// ApplicationOrder returns hops reordered so that the hop leaving from the
// moving slice comes first and the hop landing on the reference comes last.
// It accepts either listing produced by ComposedChain as well as graph chains,
// which are already in that order.
func ApplicationOrder(hops []Hop, moving int) []Hop {
	out := make([]Hop, len(hops))
	copy(out, hops)
	if len(out) > 1 && out[0].Moving != moving {
		reverse(out)
	}
	return out
}

func reverse(hops []Hop) {
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
}

// Validate checks that hops form a connected walk from moving to reference
// that visits no slice twice. The reference maps onto itself with the single
// hop (reference, reference).
func Validate(hops []Hop, moving, reference int) error {
	if len(hops) == 0 {
		return fmt.Errorf("empty chain for slice %d", moving)
	}
	ordered := ApplicationOrder(hops, moving)
	if ordered[0].Moving != moving {
		return fmt.Errorf("chain for slice %d starts at %d", moving, ordered[0].Moving)
	}
	if len(ordered) == 1 && ordered[0].Trivial() {
		if moving != reference {
			return fmt.Errorf("chain for slice %d ends at %d, not %d", moving, moving, reference)
		}
		return nil
	}
	visited := map[int]bool{moving: true}
	for i, h := range ordered {
		if i > 0 && h.Moving != ordered[i-1].Fixed {
			return fmt.Errorf("chain for slice %d breaks between %s and %s", moving, ordered[i-1], h)
		}
		if visited[h.Fixed] {
			return fmt.Errorf("chain for slice %d revisits slice %d", moving, h.Fixed)
		}
		visited[h.Fixed] = true
	}
	if last := ordered[len(ordered)-1]; last.Fixed != reference {
		return fmt.Errorf("chain for slice %d ends at %d, not %d", moving, last.Fixed, reference)
	}
	return nil
}

// Composition is one composed-transform job: the partial transforms to
// concatenate and where the result goes.
type Composition struct {
	Moving int
	Output string
	Hops   []Hop // application order
	// Inputs lists the partial transform files for the composition tool, which
	// applies the last listed transform first.
	Inputs []string
}

// Builder turns chains into compositions using a registry for partial paths.
type Builder struct {
	reg       *registry.Registry
	outputDir string
}

// NewBuilder creates a builder writing composed transforms to outputDir.
func NewBuilder(reg *registry.Registry, outputDir string) *Builder {
	return &Builder{reg: reg, outputDir: outputDir}
}

// OutputPath is the composed transform file for moving.
func (b *Builder) OutputPath(moving int) string {
	return filepath.Join(b.outputDir, b.reg.Index(moving)+"_composed.txt")
}

// Compose returns the composition for moving along the simple one-step chain.
func (b *Builder) Compose(moving, reference int) Composition {
	return b.FromHops(moving, ComposedChain(moving, reference))
}

// FromHops returns the composition for an arbitrary chain, such as a
// shortest path from the graph model.
func (b *Builder) FromHops(moving int, hops []Hop) Composition {
	ordered := ApplicationOrder(hops, moving)
	inputs := make([]string, len(ordered))
	for i, h := range ordered {
		inputs[len(ordered)-1-i] = b.reg.Path(h)
	}
	return Composition{
		Moving: moving,
		Output: b.OutputPath(moving),
		Hops:   ordered,
		Inputs: inputs,
	}
}
