package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/histostack/config.json"
	configEnv         = "HISTOSTACK_CONFIG"
)

// Config holds the typed settings for one reconstruction run.
type Config struct {
	Stack        Stack        `json:"stack" yaml:"stack" toml:"stack"`
	Paths        Paths        `json:"paths" yaml:"paths" toml:"paths"`
	Registration Registration `json:"registration" yaml:"registration" toml:"registration"`
	Reslice      Reslice      `json:"reslice" yaml:"reslice" toml:"reslice"`
	Blank        Blank        `json:"blank" yaml:"blank" toml:"blank"`
	Graph        Graph        `json:"graph" yaml:"graph" toml:"graph"`
	Batch        Batch        `json:"batch" yaml:"batch" toml:"batch"`
	Storage      Storage      `json:"storage" yaml:"storage" toml:"storage"`
	Server       Server       `json:"server" yaml:"server" toml:"server"`
	Logging      Logging      `json:"logging" yaml:"logging" toml:"logging"`
}

// Stack describes the slice range and the reference assignment source.
type Stack struct {
	StartSliceIndex int `json:"start_slice_index" yaml:"start_slice_index" toml:"start_slice_index"`
	EndSliceIndex   int `json:"end_slice_index" yaml:"end_slice_index" toml:"end_slice_index"`
	// ReferenceSliceIndex defaults to StartSliceIndex when nil.
	ReferenceSliceIndex  *int   `json:"reference_slice_index,omitempty" yaml:"reference_slice_index,omitempty" toml:"reference_slice_index,omitempty"`
	FixedStartSliceIndex *int   `json:"fixed_start_slice_index,omitempty" yaml:"fixed_start_slice_index,omitempty" toml:"fixed_start_slice_index,omitempty"`
	FixedEndSliceIndex   *int   `json:"fixed_end_slice_index,omitempty" yaml:"fixed_end_slice_index,omitempty" toml:"fixed_end_slice_index,omitempty"`
	AssignmentFile       string `json:"image_pairs_assignment_file" yaml:"image_pairs_assignment_file" toml:"image_pairs_assignment_file"`
}

// Paths configures input and output locations.
type Paths struct {
	InputDir      string `json:"input_dir" yaml:"input_dir" toml:"input_dir"`
	SliceTemplate string `json:"slice_template" yaml:"slice_template" toml:"slice_template"` // e.g. "%04d.png"
	OutputDir     string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	IndexFormat   string `json:"index_format" yaml:"index_format" toml:"index_format"`
	DatabasePath  string `json:"database_path" yaml:"database_path" toml:"database_path"`
}

// Registration configures the external registration engine.
type Registration struct {
	Dimension       int      `json:"dimension" yaml:"dimension" toml:"dimension"`
	Metric          string   `json:"metric" yaml:"metric" toml:"metric"`                     // MI, CC, MSQ
	MetricParameter string   `json:"metric_parameter" yaml:"metric_parameter" toml:"metric_parameter"` // bins or radius
	RigidAffine     bool     `json:"rigid_affine" yaml:"rigid_affine" toml:"rigid_affine"`
	Tools           Tools    `json:"tools" yaml:"tools" toml:"tools"`
	ExtraArgs       []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
}

// Tools names the external binaries.
type Tools struct {
	Register string `json:"register" yaml:"register" toml:"register"`
	Compose  string `json:"compose" yaml:"compose" toml:"compose"`
	Warp     string `json:"warp" yaml:"warp" toml:"warp"`
	Parallel string `json:"parallel" yaml:"parallel" toml:"parallel"`
	Mass     string `json:"mass" yaml:"mass" toml:"mass"` // only used by the "command" meter
}

// Reslice controls the final warp of every slice into the reference frame.
type Reslice struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	ROI     string `json:"roi" yaml:"roi" toml:"roi"` // "x,y,w,h"
}

// Blank controls degenerate reference detection.
type Blank struct {
	Enabled         bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	BackgroundValue float64 `json:"background_value" yaml:"background_value" toml:"background_value"`
	Strategy        string  `json:"strategy" yaml:"strategy" toml:"strategy"` // anchors, nearest
	Meter           string  `json:"meter" yaml:"meter" toml:"meter"`          // imagick, command
}

// Graph configures the similarity graph model.
type Graph struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	SimilarityFile string  `json:"similarity_file" yaml:"similarity_file" toml:"similarity_file"`
	Lambda         float64 `json:"lambda" yaml:"lambda" toml:"lambda"`
	DOTOutput      string  `json:"dot_output" yaml:"dot_output" toml:"dot_output"`
}

// Batch captures execution preferences.
type Batch struct {
	CPUNo                   int    `json:"cpu_no" yaml:"cpu_no" toml:"cpu_no"`
	DryRun                  bool   `json:"dry_run" yaml:"dry_run" toml:"dry_run"`
	Mode                    string `json:"mode" yaml:"mode" toml:"mode"` // pool, external, sequential
	SkipTransformGeneration bool   `json:"skip_transform_generation" yaml:"skip_transform_generation" toml:"skip_transform_generation"`
}

// Storage configures the job ledger.
type Storage struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures the status servers.
type Server struct {
	Addr            string `json:"addr" yaml:"addr" toml:"addr"`
	GRPCAddr        string `json:"grpc_addr" yaml:"grpc_addr" toml:"grpc_addr"`
	WatchTransforms bool   `json:"watch_transforms" yaml:"watch_transforms" toml:"watch_transforms"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level" toml:"level"`                   // debug, info, warn, error
	Format     string `json:"format" yaml:"format" toml:"format"`                // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(configEnv)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path, choosing the decoder by extension.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Path reports the configuration file Load would read.
func Path() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: Paths{
			InputDir:      ".",
			SliceTemplate: "%04d.png",
			OutputDir:     "./output",
			IndexFormat:   "%04d",
			DatabasePath:  filepath.Join(os.TempDir(), "histostack.db"),
		},
		Registration: Registration{
			Dimension:       2,
			Metric:          "MI",
			MetricParameter: "32",
			RigidAffine:     true,
			Tools: Tools{
				Register: "ANTS",
				Compose:  "ComposeMultiTransform",
				Warp:     "WarpImageMultiTransform",
				Parallel: "parallel",
			},
		},
		Reslice: Reslice{Enabled: true},
		Blank: Blank{
			Enabled:  true,
			Strategy: "anchors",
			Meter:    "imagick",
		},
		Graph: Graph{Lambda: 0},
		Batch: Batch{
			CPUNo: runtime.NumCPU(),
			Mode:  "pool",
		},
		Storage: Storage{Enabled: true, Driver: "sqlite"},
		Server:  Server{Addr: ":8080", GRPCAddr: ":9090"},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
	}
}

// Reference returns the configured reference index, defaulting to the start.
func (s Stack) Reference() int {
	if s.ReferenceSliceIndex != nil {
		return *s.ReferenceSliceIndex
	}
	return s.StartSliceIndex
}

// FixedRange returns the fixed slice bounds, defaulting to the moving range.
func (s Stack) FixedRange() (int, int) {
	start, end := s.StartSliceIndex, s.EndSliceIndex
	if s.FixedStartSliceIndex != nil {
		start = *s.FixedStartSliceIndex
	}
	if s.FixedEndSliceIndex != nil {
		end = *s.FixedEndSliceIndex
	}
	return start, end
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
