// Package blank finds reference slices without foreground and moves their
// moving slices onto a usable reference.
package blank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"histostack/internal/slices"
)

// ErrNoValidReference is returned when every candidate fixed slice is blank.
var ErrNoValidReference = errors.New("no fixed slice with foreground")

// Strategy picks the replacement for a blank fixed slice.
type Strategy string

const (
	// Anchors sends the lower half of the stack to the first valid slice and
	// the upper half to the last one.
	Anchors Strategy = "anchors"
	// Nearest picks the valid slice closest to the blank one.
	Nearest Strategy = "nearest"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Anchors, "":
		return Anchors, nil
	case Nearest:
		return Nearest, nil
	}
	return "", fmt.Errorf("unknown blank strategy %q", s)
}

// MassMeter counts the pixels of an image brighter than background.
type MassMeter interface {
	Mass(ctx context.Context, imagePath string, background float64) (int64, error)
}

// MassFunc adapts a function to MassMeter.
type MassFunc func(ctx context.Context, imagePath string, background float64) (int64, error)

func (f MassFunc) Mass(ctx context.Context, imagePath string, background float64) (int64, error) {
	return f(ctx, imagePath, background)
}

// Reassignment records one moved moving slice.
type Reassignment struct {
	Moving   int `json:"moving"`
	OldFixed int `json:"old_fixed"`
	NewFixed int `json:"new_fixed"`
}

// Corrector rewrites assignments that point at blank fixed slices. Measured
// masses are cached for the lifetime of the corrector; it is not safe for
// concurrent use.
type Corrector struct {
	meter      MassMeter
	imagePath  func(index int) string
	background float64
	strategy   Strategy
	log        *slog.Logger
	masses     map[int]int64
}

// NewCorrector creates a corrector. imagePath renders the image of a slice index.
func NewCorrector(meter MassMeter, imagePath func(int) string, background float64, strategy Strategy, log *slog.Logger) *Corrector {
	if log == nil {
		log = slog.Default()
	}
	return &Corrector{
		meter:      meter,
		imagePath:  imagePath,
		background: background,
		strategy:   strategy,
		log:        log,
		masses:     make(map[int]int64),
	}
}

func (c *Corrector) measure(ctx context.Context, i int) (int64, error) {
	if v, ok := c.masses[i]; ok {
		return v, nil
	}
	v, err := c.meter.Mass(ctx, c.imagePath(i), c.background)
	if err != nil {
		return 0, fmt.Errorf("measure slice %d: %w", i, err)
	}
	c.masses[i] = v
	return v, nil
}

// Blanks returns the slices of indices with zero mass, in ascending order.
// Slices already measured by Correct are not measured again.
func (c *Corrector) Blanks(ctx context.Context, indices []int) ([]int, error) {
	var out []int
	for _, i := range indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := c.measure(ctx, i)
		if err != nil {
			return nil, err
		}
		if v == 0 {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Correct measures every fixed slice referenced by a and reassigns moving
// slices whose fixed slice has zero mass. a is modified in place.
func (c *Corrector) Correct(ctx context.Context, m slices.Model, a slices.Assignment) ([]Reassignment, error) {
	measure := func(i int) (int64, error) { return c.measure(ctx, i) }

	var blanks []int
	for _, f := range a.FixedIndices() {
		v, err := measure(f)
		if err != nil {
			return nil, err
		}
		if v == 0 {
			blanks = append(blanks, f)
		}
	}
	if len(blanks) == 0 {
		return nil, nil
	}
	c.log.Warn("blank reference slices detected", "slices", blanks)

	isBlank := make(map[int]bool, len(blanks))
	for _, b := range blanks {
		isBlank[b] = true
	}

	var pick func(moving, blank int) (int, error)
	switch c.strategy {
	case Nearest:
		pick = func(_, blank int) (int, error) { return c.nearest(ctx, m, blank, measure) }
	default:
		first, last, err := c.anchors(ctx, m, measure)
		if err != nil {
			return nil, err
		}
		pick = func(moving, _ int) (int, error) {
			if m.InLowerHalf(moving) {
				return first, nil
			}
			return last, nil
		}
	}

	var out []Reassignment
	for _, moving := range a.Moving() {
		fixed := a[moving]
		if !isBlank[fixed] {
			continue
		}
		replacement, err := pick(moving, fixed)
		if err != nil {
			return out, err
		}
		a[moving] = replacement
		r := Reassignment{Moving: moving, OldFixed: fixed, NewFixed: replacement}
		out = append(out, r)
		c.log.Warn("reassigned blank reference",
			"moving", moving,
			"blank_fixed", fixed,
			"new_fixed", replacement,
			"strategy", string(c.strategy),
		)
	}
	return out, nil
}

// anchors finds the first and last fixed slices with foreground.
func (c *Corrector) anchors(ctx context.Context, m slices.Model, measure func(int) (int64, error)) (int, int, error) {
	fixed := m.FixedRange()
	first, last := -1, -1
	for _, i := range fixed {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		v, err := measure(i)
		if err != nil {
			return 0, 0, err
		}
		if v > 0 {
			first = i
			break
		}
	}
	if first == -1 {
		return 0, 0, ErrNoValidReference
	}
	for k := len(fixed) - 1; k >= 0; k-- {
		v, err := measure(fixed[k])
		if err != nil {
			return 0, 0, err
		}
		if v > 0 {
			last = fixed[k]
			break
		}
	}
	return first, last, nil
}

// nearest finds the fixed slice with foreground closest to blank; ties go to
// the lower index.
func (c *Corrector) nearest(ctx context.Context, m slices.Model, blank int, measure func(int) (int64, error)) (int, error) {
	candidates := m.FixedRange()
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := dist(candidates[i], blank), dist(candidates[j], blank)
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})
	for _, i := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		v, err := measure(i)
		if err != nil {
			return 0, err
		}
		if v > 0 {
			return i, nil
		}
	}
	return 0, ErrNoValidReference
}

func dist(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
