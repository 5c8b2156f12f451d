package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"histostack/internal/config"
	"histostack/internal/logging"
)

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Role      string `json:"role"`
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Manager checks that the configured binaries can be found.
type Manager struct {
	tools config.Tools
	log   *slog.Logger
}

// NewManager creates a manager for the configured tools.
func NewManager(tools config.Tools, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tools: tools, log: logger}
}

func (m *Manager) roles() [][2]string {
	roles := [][2]string{
		{"register", m.tools.Register},
		{"compose", m.tools.Compose},
		{"warp", m.tools.Warp},
		{"parallel", m.tools.Parallel},
	}
	if m.tools.Mass != "" {
		roles = append(roles, [2]string{"mass", m.tools.Mass})
	}
	return roles
}

// CheckTool verifies a binary is on PATH.
func (m *Manager) CheckTool(role, binary string) ToolStatus {
	st := ToolStatus{Role: role, Binary: binary}
	if binary == "" {
		st.Error = "not configured"
		return st
	}
	path, err := lookPath(binary)
	logging.LogToolStatus(m.log, binary, err == nil, path, err)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Available = true
	st.Path = path
	return st
}

// Status reports every configured tool.
func (m *Manager) Status() []ToolStatus {
	roles := m.roles()
	out := make([]ToolStatus, 0, len(roles))
	for _, r := range roles {
		out = append(out, m.CheckTool(r[0], r[1]))
	}
	return out
}

// Require returns an error naming every missing tool among roles.
func (m *Manager) Require(roles ...string) error {
	want := make(map[string]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var errs []error
	for _, r := range m.roles() {
		if !want[r[0]] {
			continue
		}
		if st := m.CheckTool(r[0], r[1]); !st.Available {
			errs = append(errs, fmt.Errorf("%s tool %q: %s", r[0], r[1], st.Error))
		}
	}
	return errors.Join(errs...)
}
