package blank

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"histostack/internal/slices"
)

type stubMeter struct {
	mass  map[int]int64
	calls map[int]int
}

func newStubMeter(mass map[int]int64) *stubMeter {
	return &stubMeter{mass: mass, calls: map[int]int{}}
}

func (s *stubMeter) Mass(ctx context.Context, imagePath string, background float64) (int64, error) {
	i, err := strconv.Atoi(imagePath)
	if err != nil {
		return 0, err
	}
	s.calls[i]++
	return s.mass[i], nil
}

func indexPath(i int) string { return strconv.Itoa(i) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestCorrectAnchorsLowerAndUpperHalf(t *testing.T) {
	m, _ := slices.NewModel(0, 9, 0)
	// slices 0, 1 and 9 are blank, 4 is blank in the middle
	mass := map[int]int64{2: 10, 3: 10, 5: 10, 6: 10, 7: 10, 8: 10}
	meter := newStubMeter(mass)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())

	got, err := NewCorrector(meter, indexPath, 0, Anchors, quietLogger()).Correct(context.Background(), m, a)
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 reassignments, got %v", got)
	}

	const minValid, maxValid = 2, 8
	for _, r := range got {
		if mass[r.NewFixed] == 0 {
			t.Fatalf("reassigned %d onto blank slice %d", r.Moving, r.NewFixed)
		}
		if m.InLowerHalf(r.Moving) && r.NewFixed != minValid {
			t.Fatalf("lower half slice %d should use %d, got %d", r.Moving, minValid, r.NewFixed)
		}
		if !m.InLowerHalf(r.Moving) && r.NewFixed != maxValid {
			t.Fatalf("upper half slice %d should use %d, got %d", r.Moving, maxValid, r.NewFixed)
		}
		if a[r.Moving] != r.NewFixed {
			t.Fatalf("assignment not updated in place for %d", r.Moving)
		}
	}
	if a[4] != minValid || a[9] != maxValid {
		t.Fatalf("unexpected assignment %v", a)
	}
	if a[5] != 5 {
		t.Fatalf("valid reference must not move, got %d", a[5])
	}
	for i, n := range meter.calls {
		if n != 1 {
			t.Fatalf("slice %d measured %d times", i, n)
		}
	}
}

func TestCorrectNearest(t *testing.T) {
	m, _ := slices.NewModel(0, 9, 0)
	mass := map[int]int64{0: 1, 3: 1, 6: 1, 9: 1}
	a := slices.Assignment{0: 0, 1: 4, 2: 5, 3: 3, 4: 8}
	for i := 5; i <= 9; i++ {
		a[i] = 9
	}

	got, err := NewCorrector(newStubMeter(mass), indexPath, 0, Nearest, quietLogger()).Correct(context.Background(), m, a)
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 reassignments, got %v", got)
	}
	// 4 -> 3 (distance 1), 5 -> 6 (distance 1, lower tie is 4 which is blank), 8 -> 9
	if a[1] != 3 || a[2] != 6 || a[4] != 9 {
		t.Fatalf("unexpected nearest assignment %v", a)
	}
}

func TestCorrectNoBlanksLeavesAssignment(t *testing.T) {
	m, _ := slices.NewModel(0, 3, 0)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	mass := map[int]int64{0: 1, 1: 1, 2: 1, 3: 1}

	got, err := NewCorrector(newStubMeter(mass), indexPath, 0, Anchors, quietLogger()).Correct(context.Background(), m, a)
	if err != nil || got != nil {
		t.Fatalf("expected no reassignment, got %v %v", got, err)
	}
}

func TestBlanksReusesMeasurements(t *testing.T) {
	m, _ := slices.NewModel(0, 4, 2)
	a := slices.Assignment{0: 1, 1: 2, 2: 2, 3: 2, 4: 3}
	meter := newStubMeter(map[int]int64{1: 5, 2: 5, 4: 5})
	c := NewCorrector(meter, indexPath, 0, Anchors, quietLogger())
	if _, err := c.Correct(context.Background(), m, a); err != nil {
		t.Fatalf("correct: %v", err)
	}

	blanks, err := c.Blanks(context.Background(), m.MovingRange())
	if err != nil {
		t.Fatalf("blanks: %v", err)
	}
	if want := []int{0, 3}; !reflect.DeepEqual(blanks, want) {
		t.Fatalf("blanks = %v, want %v", blanks, want)
	}
	for i, n := range meter.calls {
		if n != 1 {
			t.Fatalf("slice %d measured %d times", i, n)
		}
	}
}

func TestCorrectAllBlank(t *testing.T) {
	m, _ := slices.NewModel(0, 3, 0)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	for _, s := range []Strategy{Anchors, Nearest} {
		_, err := NewCorrector(newStubMeter(nil), indexPath, 0, s, quietLogger()).Correct(context.Background(), m, a.Clone())
		if !errors.Is(err, ErrNoValidReference) {
			t.Fatalf("%s: expected ErrNoValidReference, got %v", s, err)
		}
	}
}

func TestCorrectPropagatesMeterError(t *testing.T) {
	m, _ := slices.NewModel(0, 1, 0)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	meter := MassFunc(func(ctx context.Context, p string, bg float64) (int64, error) {
		return 0, errors.New("unreadable")
	})
	_, err := NewCorrector(meter, indexPath, 0, Anchors, quietLogger()).Correct(context.Background(), m, a)
	if err == nil || !strings.Contains(err.Error(), "unreadable") {
		t.Fatalf("expected meter error, got %v", err)
	}
}

func TestCorrectLogsReassignments(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m, _ := slices.NewModel(0, 3, 0)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	mass := map[int]int64{1: 5, 2: 5, 3: 5}

	if _, err := NewCorrector(newStubMeter(mass), indexPath, 0, Anchors, logger).Correct(context.Background(), m, a); err != nil {
		t.Fatalf("correct: %v", err)
	}
	if !strings.Contains(buf.String(), "reassigned blank reference") || !strings.Contains(buf.String(), "new_fixed=1") {
		t.Fatalf("expected reassignment log, got %q", buf.String())
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != Anchors {
		t.Fatalf("empty strategy should default to anchors")
	}
	if _, err := ParseStrategy("closest"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}
