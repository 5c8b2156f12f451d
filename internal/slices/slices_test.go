package slices

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestNewModelRanges(t *testing.T) {
	m, err := NewModel(0, 4, 2)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	if got := m.MovingRange(); !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected moving range %v", got)
	}
	if got := m.FixedRange(); !reflect.DeepEqual(got, m.MovingRange()) {
		t.Fatalf("fixed range should default to moving range, got %v", got)
	}
	if m.Reference() != 2 || m.Len() != 5 {
		t.Fatalf("unexpected model %+v", m)
	}
}

func TestNewModelRejectsBadBounds(t *testing.T) {
	if _, err := NewModel(5, 1, 5); err == nil {
		t.Fatalf("expected error for reversed range")
	}
	if _, err := NewModel(0, 10, 11); err == nil {
		t.Fatalf("expected error for reference outside range")
	}
	m, _ := NewModel(0, 3, 0)
	if _, err := m.WithFixedRange(9, 2); err == nil {
		t.Fatalf("expected error for reversed fixed range")
	}
}

func TestInLowerHalf(t *testing.T) {
	m, _ := NewModel(0, 9, 0)
	for i := 0; i <= 4; i++ {
		if !m.InLowerHalf(i) {
			t.Fatalf("%d should be in lower half", i)
		}
	}
	for i := 5; i <= 9; i++ {
		if m.InLowerHalf(i) {
			t.Fatalf("%d should be in upper half", i)
		}
	}
}

func TestIdentityAssignmentZipsRanges(t *testing.T) {
	m, _ := NewModel(10, 20, 10)
	m, err := m.WithFixedRange(30, 40)
	if err != nil {
		t.Fatalf("fixed range: %v", err)
	}
	a, err := BuildAssignment(m, "")
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	for i := 10; i <= 20; i++ {
		if a[i] != i+20 {
			t.Fatalf("expected %d -> %d, got %d", i, i+20, a[i])
		}
	}
}

func TestBuildAssignmentRejectsUnevenRanges(t *testing.T) {
	m, _ := NewModel(0, 4, 0)
	m, _ = m.WithFixedRange(0, 6)
	if _, err := BuildAssignment(m, ""); !errors.Is(err, ErrRangeMismatch) {
		t.Fatalf("expected ErrRangeMismatch, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "pairs.txt")
	if err := os.WriteFile(path, []byte("0,6\n1,5\n2,4\n3,3\n4,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := BuildAssignment(m, path)
	if err != nil {
		t.Fatalf("a mapping file covers uneven ranges: %v", err)
	}
	if a[0] != 6 || a[4] != 2 {
		t.Fatalf("unexpected assignment %v", a)
	}
}

func TestSniffDelimiter(t *testing.T) {
	cases := map[string]rune{
		"1,2\n3,4\n":     ',',
		"1\t2\n3\t4\n":   '\t',
		"1;2\n3;4\n":     ';',
		"1 2\n3   4\n":   ' ',
		"# c\n1|2\n3|4\n": '|',
	}
	for sample, want := range cases {
		if got := SniffDelimiter([]byte(sample)); got != want {
			t.Fatalf("SniffDelimiter(%q) = %q, want %q", sample, got, want)
		}
	}
}

func TestParseAssignmentFormats(t *testing.T) {
	for _, body := range []string{
		"0,1\n1,1\n2,1\n",
		"0\t1\n1\t1\n2\t1\n",
		"# moving fixed\n0 1\n\n1 1\n2 1\n",
	} {
		a, err := ParseAssignment(strings.NewReader(body))
		if err != nil {
			t.Fatalf("parse %q: %v", body, err)
		}
		if !reflect.DeepEqual(a, Assignment{0: 1, 1: 1, 2: 1}) {
			t.Fatalf("unexpected assignment %v for %q", a, body)
		}
		if got := a.FixedIndices(); !reflect.DeepEqual(got, []int{1}) {
			t.Fatalf("expected single fixed index, got %v", got)
		}
	}
}

func TestParseAssignmentRejectsGarbage(t *testing.T) {
	if _, err := ParseAssignment(strings.NewReader("0,x\n")); err == nil {
		t.Fatalf("expected error for non-integer fixed index")
	}
	if _, err := ParseAssignment(strings.NewReader("0\n")); err == nil {
		t.Fatalf("expected error for single column")
	}
}

func TestBuildAssignmentReportsMissingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.txt")
	if err := os.WriteFile(path, []byte("0,0\n1,0\n3,0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, _ := NewModel(0, 3, 0)

	_, err := BuildAssignment(m, path)
	var missing *MissingIndexError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingIndexError, got %v", err)
	}
	if missing.Index != 2 {
		t.Fatalf("expected missing index 2, got %d", missing.Index)
	}
}

func TestAssignmentCloneIsIndependent(t *testing.T) {
	a := Assignment{1: 2}
	b := a.Clone()
	b[1] = 5
	if a[1] != 2 {
		t.Fatalf("clone shares storage")
	}
}
