package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"histostack/internal/batch"
	"histostack/internal/blank"
	"histostack/internal/config"
	"histostack/internal/logging"
	"histostack/internal/pipeline"
	"histostack/internal/storage"
	"histostack/internal/tools"
)

// Version is set at build time.
var Version = "dev"

// Root holds the state shared by every subcommand. Fields left nil are built
// from the configuration on first use.
type Root struct {
	cfg    *config.Config
	log    *slog.Logger
	out    io.Writer
	runner batch.Runner
	meter  blank.MassMeter
	store  *storage.Store

	flags   stackFlags
	closers []io.Closer
}

// NewRoot creates a root writing command output to out.
func NewRoot(out io.Writer) *Root {
	if out == nil {
		out = os.Stdout
	}
	return &Root{out: out}
}

// stackFlags are the persistent overrides of file configuration.
type stackFlags struct {
	configPath              string
	startSliceIndex         int
	endSliceIndex           int
	referenceSliceIndex     int
	fixedStartSliceIndex    int
	fixedEndSliceIndex      int
	assignmentFile          string
	inputDir                string
	outputDir               string
	sliceTemplate           string
	dryRun                  bool
	cpuNo                   int
	skipTransformGeneration bool
	graph                   bool
	similarityFile          string
	lambda                  float64
	blankStrategy           string
	backgroundValue         float64
	noBlank                 bool
	batchMode               string
	logLevel                string
}

func (r *Root) bindFlags(fs *pflag.FlagSet) {
	f := &r.flags
	fs.StringVar(&f.configPath, "config", "", "configuration file (.json, .yaml, .toml)")
	fs.IntVar(&f.startSliceIndex, "startSliceIndex", 0, "first slice index of the stack")
	fs.IntVar(&f.endSliceIndex, "endSliceIndex", 0, "last slice index of the stack")
	fs.IntVar(&f.referenceSliceIndex, "referenceSliceIndex", 0, "slice every other slice is brought into (default: start)")
	fs.IntVar(&f.fixedStartSliceIndex, "fixedStartSliceIndex", 0, "first index of the fixed range (default: start)")
	fs.IntVar(&f.fixedEndSliceIndex, "fixedEndSliceIndex", 0, "last index of the fixed range (default: end)")
	fs.StringVar(&f.assignmentFile, "imagePairsAssignmentFile", "", "file of moving/fixed index pairs")
	fs.StringVar(&f.inputDir, "inputDir", "", "directory of slice images")
	fs.StringVar(&f.outputDir, "outputDir", "", "directory for transforms and resliced images")
	fs.StringVar(&f.sliceTemplate, "sliceTemplate", "", "slice image file name template, e.g. %04d.png")
	fs.BoolVar(&f.dryRun, "dryRun", false, "print the commands instead of running them")
	fs.IntVar(&f.cpuNo, "cpuNo", 0, "number of parallel jobs")
	fs.BoolVar(&f.skipTransformGeneration, "skipTransformGeneration", false, "reuse existing transforms and only reslice")
	fs.BoolVar(&f.graph, "graph", false, "compose along shortest paths of the similarity graph")
	fs.StringVar(&f.similarityFile, "similarityFile", "", "similarity rows (i, j, score) for the graph model")
	fs.Float64Var(&f.lambda, "lambda", 0, "distance penalty of the graph model")
	fs.StringVar(&f.blankStrategy, "blankStrategy", "", "replacement for blank references: anchors or nearest")
	fs.Float64Var(&f.backgroundValue, "backgroundValue", 0, "intensity at or below which a pixel is background")
	fs.BoolVar(&f.noBlank, "noBlankCorrection", false, "disable blank slice correction")
	fs.StringVar(&f.batchMode, "batchMode", "", "job execution: pool, external or sequential")
	fs.StringVar(&f.logLevel, "logLevel", "", "debug, info, warn or error")
}

// apply copies every flag the user set onto cfg.
func (f *stackFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string) bool {
		fl := fs.Lookup(name)
		return fl != nil && fl.Changed
	}
	if set("startSliceIndex") {
		cfg.Stack.StartSliceIndex = f.startSliceIndex
	}
	if set("endSliceIndex") {
		cfg.Stack.EndSliceIndex = f.endSliceIndex
	}
	if set("referenceSliceIndex") {
		v := f.referenceSliceIndex
		cfg.Stack.ReferenceSliceIndex = &v
	}
	if set("fixedStartSliceIndex") {
		v := f.fixedStartSliceIndex
		cfg.Stack.FixedStartSliceIndex = &v
	}
	if set("fixedEndSliceIndex") {
		v := f.fixedEndSliceIndex
		cfg.Stack.FixedEndSliceIndex = &v
	}
	if set("imagePairsAssignmentFile") {
		cfg.Stack.AssignmentFile = f.assignmentFile
	}
	if set("inputDir") {
		cfg.Paths.InputDir = f.inputDir
	}
	if set("outputDir") {
		cfg.Paths.OutputDir = f.outputDir
	}
	if set("sliceTemplate") {
		cfg.Paths.SliceTemplate = f.sliceTemplate
	}
	if set("dryRun") {
		cfg.Batch.DryRun = f.dryRun
	}
	if set("cpuNo") {
		cfg.Batch.CPUNo = f.cpuNo
	}
	if set("skipTransformGeneration") {
		cfg.Batch.SkipTransformGeneration = f.skipTransformGeneration
	}
	if set("batchMode") {
		cfg.Batch.Mode = f.batchMode
	}
	if set("graph") {
		cfg.Graph.Enabled = f.graph
	}
	if set("similarityFile") {
		cfg.Graph.SimilarityFile = f.similarityFile
		cfg.Graph.Enabled = true
	}
	if set("lambda") {
		cfg.Graph.Lambda = f.lambda
	}
	if set("blankStrategy") {
		cfg.Blank.Strategy = f.blankStrategy
	}
	if set("backgroundValue") {
		cfg.Blank.BackgroundValue = f.backgroundValue
	}
	if set("noBlankCorrection") {
		cfg.Blank.Enabled = !f.noBlank
	}
	if set("logLevel") {
		cfg.Logging.Level = f.logLevel
	}
}

// skipValidation marks commands that work without a valid stack.
const skipValidation = "histostack/skip-validation"

// setup loads and validates the configuration and installs logging.
func (r *Root) setup(cmd *cobra.Command) error {
	if r.cfg == nil {
		var (
			cfg *config.Config
			err error
		)
		if r.flags.configPath != "" {
			cfg, err = config.LoadFile(r.flags.configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		r.cfg = cfg
	}
	r.flags.apply(cmd.Flags(), r.cfg)

	if cmd.Annotations[skipValidation] == "" {
		if err := r.cfg.Validate(); err != nil {
			return err
		}
	}

	if r.log == nil {
		logger, closer, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log = logger
		r.closers = append(r.closers, closer)
	}
	return nil
}

// Close releases the store and log file.
func (r *Root) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Root) openStore() (*storage.Store, error) {
	if r.store != nil || !r.cfg.Storage.Enabled {
		return r.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.Paths.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(r.cfg.Storage.Driver, r.cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	r.store = store
	r.closers = append(r.closers, store)
	return store, nil
}

func (r *Root) commandRunner() batch.Runner {
	if r.runner != nil {
		return r.runner
	}
	return batch.ExecRunner{}
}

func (r *Root) massMeter() blank.MassMeter {
	if r.meter != nil {
		return r.meter
	}
	if r.cfg.Blank.Meter == "command" {
		return tools.CommandMeter{Runner: r.commandRunner(), Binary: r.cfg.Registration.Tools.Mass}
	}
	return tools.ImagickMeter{}
}

// requireTools checks the binaries a run needs. Injected runners are trusted.
func (r *Root) requireTools() error {
	if r.runner != nil || r.cfg.Batch.DryRun {
		return nil
	}
	var roles []string
	if !r.cfg.Batch.SkipTransformGeneration {
		roles = append(roles, "register", "compose")
	}
	if r.cfg.Reslice.Enabled {
		roles = append(roles, "warp")
	}
	if r.cfg.Batch.Mode == string(batch.ModeExternal) {
		roles = append(roles, "parallel")
	}
	if r.cfg.Blank.Enabled && r.cfg.Blank.Meter == "command" {
		roles = append(roles, "mass")
	}
	return tools.NewManager(r.cfg.Registration.Tools, r.log).Require(roles...)
}

func (r *Root) newPipeline() (*pipeline.Pipeline, error) {
	store, err := r.openStore()
	if err != nil {
		return nil, err
	}
	exec := batch.New(r.commandRunner(), batch.Options{
		DryRun:         r.cfg.Batch.DryRun,
		Mode:           batch.Mode(r.cfg.Batch.Mode),
		Workers:        r.cfg.Batch.CPUNo,
		ParallelBinary: r.cfg.Registration.Tools.Parallel,
		BatchDir:       r.cfg.Paths.OutputDir,
	}, r.log, store)
	exec.SetOutput(r.out)
	return pipeline.New(r.cfg, exec, r.massMeter(), store, r.log), nil
}
