package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError lists every configuration problem found in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration once at startup. Missing directories and
// files are reported here so that no external command is ever started with a
// broken configuration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	s := c.Stack
	if s.EndSliceIndex < s.StartSliceIndex {
		add("end slice index %d is before start slice index %d", s.EndSliceIndex, s.StartSliceIndex)
	}
	if ref := s.Reference(); ref < s.StartSliceIndex || ref > s.EndSliceIndex {
		add("reference slice index %d outside [%d, %d]", ref, s.StartSliceIndex, s.EndSliceIndex)
	}
	fixedStart, fixedEnd := s.FixedRange()
	if fixedEnd < fixedStart {
		add("fixed end slice index %d is before fixed start slice index %d", fixedEnd, fixedStart)
	}
	if s.AssignmentFile == "" && fixedEnd-fixedStart != s.EndSliceIndex-s.StartSliceIndex {
		add("fixed range [%d, %d] and moving range [%d, %d] differ in length and no assignment file is given",
			fixedStart, fixedEnd, s.StartSliceIndex, s.EndSliceIndex)
	}
	if s.AssignmentFile != "" {
		if _, err := os.Stat(s.AssignmentFile); err != nil {
			add("assignment file: %v", err)
		}
	}

	if c.Paths.InputDir == "" {
		add("input directory is required")
	} else if info, err := os.Stat(c.Paths.InputDir); err != nil {
		add("input directory: %v", err)
	} else if !info.IsDir() {
		add("input directory %s is not a directory", c.Paths.InputDir)
	}
	if c.Paths.OutputDir == "" {
		add("output directory is required")
	}
	if !strings.Contains(c.Paths.SliceTemplate, "%") {
		add("slice template %q has no index verb", c.Paths.SliceTemplate)
	}
	if !strings.Contains(c.Paths.IndexFormat, "%") {
		add("index format %q has no index verb", c.Paths.IndexFormat)
	}

	if c.Registration.Dimension != 2 && c.Registration.Dimension != 3 {
		add("registration dimension must be 2 or 3, got %d", c.Registration.Dimension)
	}

	switch c.Blank.Strategy {
	case "anchors", "nearest":
	default:
		add("unknown blank strategy %q (anchors|nearest)", c.Blank.Strategy)
	}
	switch c.Blank.Meter {
	case "imagick":
	case "command":
		if c.Registration.Tools.Mass == "" {
			add("blank meter \"command\" needs registration.tools.mass")
		}
	default:
		add("unknown blank meter %q (imagick|command)", c.Blank.Meter)
	}

	if c.Graph.Enabled {
		if c.Graph.SimilarityFile == "" {
			add("graph model needs a similarity file")
		} else if _, err := os.Stat(c.Graph.SimilarityFile); err != nil {
			add("similarity file: %v", err)
		}
		if c.Graph.Lambda < 0 {
			add("lambda must be non-negative, got %g", c.Graph.Lambda)
		}
	}

	if c.Batch.CPUNo < 1 {
		add("cpu number must be at least 1, got %d", c.Batch.CPUNo)
	}
	switch c.Batch.Mode {
	case "pool", "external", "sequential":
	default:
		add("unknown batch mode %q (pool|external|sequential)", c.Batch.Mode)
	}

	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		add("unknown storage driver %q (sqlite|sqlite3)", c.Storage.Driver)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
