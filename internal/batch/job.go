// Package batch runs external commands in dry-run, sequential or parallel
// mode and reports the outcome of every job.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Kind groups jobs by the phase they belong to.
type Kind string

const (
	KindRegister Kind = "register"
	KindCompose  Kind = "compose"
	KindWarp     Kind = "warp"
)

// Job is one external command invocation.
type Job struct {
	ID     string   `json:"id"`
	RunID  string   `json:"run_id,omitempty"`
	Kind   Kind     `json:"kind"`
	Name   string   `json:"name"` // binary
	Args   []string `json:"args"`
	Output string   `json:"output"` // primary artifact, used to verify external batches
}

// CommandLine renders the job as a single shell line.
func (j Job) CommandLine() string {
	parts := make([]string, 0, len(j.Args)+1)
	parts = append(parts, quote(j.Name))
	for _, a := range j.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

// quote single-quotes s when the shell would otherwise split or expand it.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=+,@%", r)
}

// Result is the outcome of one job.
type Result struct {
	Job    Job    `json:"job"`
	Output []byte `json:"-"`
	Err    error  `json:"-"`
	Status string `json:"status"`
}

// JobError reports a failed external command with its combined output.
type JobError struct {
	Job    Job
	Output string
	Err    error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("%s job %s failed: %v", e.Job.Kind, e.Job.ID, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLine(out)
	}
	return msg
}

func (e *JobError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Runner is the only place external processes are started.
type Runner interface {
	Run(ctx context.Context, name string, args []string) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args []string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	return f(ctx, name, args)
}

// ExecRunner starts commands with os/exec and returns combined output.
type ExecRunner struct {
	Dir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
