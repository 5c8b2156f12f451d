// Package slices models the section stack: index ranges, the reference slice
// and the moving-to-fixed assignment every registration is driven by.
package slices

import (
	"fmt"
	"sort"
)

// Model is the immutable description of a stack. It is built once per run and
// passed explicitly to every component.
type Model struct {
	start, end           int
	fixedStart, fixedEnd int
	reference            int
}

// NewModel validates the moving range and reference index. The fixed range
// equals the moving range; use WithFixedRange to change it.
func NewModel(start, end, reference int) (Model, error) {
	if end < start {
		return Model{}, fmt.Errorf("end slice index %d is before start slice index %d", end, start)
	}
	if reference < start || reference > end {
		return Model{}, fmt.Errorf("reference slice index %d outside [%d, %d]", reference, start, end)
	}
	return Model{start: start, end: end, fixedStart: start, fixedEnd: end, reference: reference}, nil
}

// WithFixedRange returns a copy of m with a separate fixed range.
func (m Model) WithFixedRange(start, end int) (Model, error) {
	if end < start {
		return Model{}, fmt.Errorf("fixed end slice index %d is before fixed start slice index %d", end, start)
	}
	m.fixedStart, m.fixedEnd = start, end
	return m, nil
}

func (m Model) Start() int     { return m.start }
func (m Model) End() int       { return m.end }
func (m Model) Reference() int { return m.reference }
func (m Model) Len() int       { return m.end - m.start + 1 }

// FixedBounds returns the inclusive fixed range.
func (m Model) FixedBounds() (int, int) { return m.fixedStart, m.fixedEnd }

// MovingRange returns the moving indices in ascending order.
func (m Model) MovingRange() []int { return inclusive(m.start, m.end) }

// FixedRange returns the fixed indices in ascending order.
func (m Model) FixedRange() []int { return inclusive(m.fixedStart, m.fixedEnd) }

// Contains reports whether i lies in the moving range.
func (m Model) Contains(i int) bool { return i >= m.start && i <= m.end }

// InLowerHalf reports whether i is in the first half of the moving range.
func (m Model) InLowerHalf(i int) bool { return i < m.start+m.Len()/2 }

func inclusive(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out
}

// Assignment maps a moving slice index to the fixed slice it registers onto.
// Several moving slices may share one fixed slice.
type Assignment map[int]int

// IdentityAssignment zips the two ranges position-wise. Extra entries of the
// longer range are ignored; BuildAssignment refuses uneven ranges.
func IdentityAssignment(moving, fixed []int) Assignment {
	a := make(Assignment, len(moving))
	for i := 0; i < len(moving) && i < len(fixed); i++ {
		a[moving[i]] = fixed[i]
	}
	return a
}

// MissingIndexError reports a moving index with no fixed index assigned.
type MissingIndexError struct {
	Index int
}

func (e *MissingIndexError) Error() string {
	return fmt.Sprintf("no fixed slice assigned to moving slice %d", e.Index)
}

// Validate checks that every moving index of m resolves to a fixed index.
func (a Assignment) Validate(m Model) error {
	for _, i := range m.MovingRange() {
		if _, ok := a[i]; !ok {
			return &MissingIndexError{Index: i}
		}
	}
	return nil
}

// FixedIndices returns the distinct fixed indices in ascending order.
func (a Assignment) FixedIndices() []int {
	seen := make(map[int]struct{}, len(a))
	out := make([]int, 0, len(a))
	for _, f := range a {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// Moving returns the moving indices in ascending order.
func (a Assignment) Moving() []int {
	out := make([]int, 0, len(a))
	for m := range a {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// Clone returns an independent copy.
func (a Assignment) Clone() Assignment {
	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
