// Package tools renders the command lines of the external registration,
// composition and warping binaries and measures image mass.
package tools

import (
	"fmt"
	"strconv"
	"strings"

	"histostack/internal/batch"
	"histostack/internal/chain"
	"histostack/internal/config"
)

// Commands builds jobs for one registration configuration.
type Commands struct {
	cfg config.Registration
}

// NewCommands binds cfg. Empty tool names fall back to the defaults.
func NewCommands(cfg config.Registration) *Commands {
	def := config.Default().Registration
	if cfg.Dimension == 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.Metric == "" {
		cfg.Metric = def.Metric
	}
	if cfg.MetricParameter == "" {
		cfg.MetricParameter = def.MetricParameter
	}
	if cfg.Tools.Register == "" {
		cfg.Tools.Register = def.Tools.Register
	}
	if cfg.Tools.Compose == "" {
		cfg.Tools.Compose = def.Tools.Compose
	}
	if cfg.Tools.Warp == "" {
		cfg.Tools.Warp = def.Tools.Warp
	}
	return &Commands{cfg: cfg}
}

func (c *Commands) dim() string { return strconv.Itoa(c.cfg.Dimension) }

// Register estimates the transform of moving onto fixed. The tool appends
// "Affine.txt" to prefix; output is that final path.
func (c *Commands) Register(fixedImage, movingImage, prefix, output string) batch.Job {
	metric := fmt.Sprintf("%s[%s,%s,1,%s]", c.cfg.Metric, fixedImage, movingImage, c.cfg.MetricParameter)
	args := []string{c.dim(), "-m", metric, "-o", prefix, "-i", "0"}
	if c.cfg.RigidAffine {
		args = append(args, "--rigid-affine", "true")
	}
	args = append(args, c.cfg.ExtraArgs...)
	return batch.Job{Kind: batch.KindRegister, Name: c.cfg.Tools.Register, Args: args, Output: output}
}

// Compose concatenates the partial transforms of comp into one file.
func (c *Commands) Compose(comp chain.Composition) batch.Job {
	args := append([]string{c.dim(), comp.Output}, comp.Inputs...)
	return batch.Job{Kind: batch.KindCompose, Name: c.cfg.Tools.Compose, Args: args, Output: comp.Output}
}

// Warp resamples moving into the frame of reference using transform.
func (c *Commands) Warp(movingImage, output, transform, referenceImage string) batch.Job {
	args := []string{c.dim(), movingImage, output, transform, "-R", referenceImage}
	return batch.Job{Kind: batch.KindWarp, Name: c.cfg.Tools.Warp, Args: args, Output: output}
}

// ROI is a pixel region of interest.
type ROI struct {
	X, Y          int
	Width, Height uint
}

func (r ROI) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.X, r.Y, r.Width, r.Height)
}

// ParseROI reads "x,y,w,h". An empty string yields nil.
func ParseROI(s string) (*ROI, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("roi %q: expected x,y,w,h", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("roi %q: %w", s, err)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return nil, fmt.Errorf("roi %q: width and height must be positive", s)
	}
	return &ROI{X: v[0], Y: v[1], Width: uint(v[2]), Height: uint(v[3])}, nil
}
