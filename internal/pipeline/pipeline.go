package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"histostack/internal/batch"
	"histostack/internal/blank"
	"histostack/internal/chain"
	"histostack/internal/config"
	"histostack/internal/fsutil"
	"histostack/internal/graph"
	"histostack/internal/logging"
	"histostack/internal/registry"
	"histostack/internal/slices"
	"histostack/internal/storage"
	"histostack/internal/tools"
)

// ErrBusy is returned when a run is started while another is in progress.
var ErrBusy = errors.New("a run is already in progress")

// Phase names, in execution order.
const (
	PhaseRegister = "register"
	PhaseCompose  = "compose"
	PhaseWarp     = "warp"
)

// Summary is the outcome of one run.
type Summary struct {
	RunID   string         `json:"run_id"`
	Plan    *Plan          `json:"plan"`
	Phases  []batch.Report `json:"phases"`
	Cropped int            `json:"cropped,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Pipeline turns a configuration into registration, composition and warp
// batches and runs them in order.
type Pipeline struct {
	cfg   *config.Config
	exec  *batch.Executor
	meter blank.MassMeter
	store *storage.Store
	log   *slog.Logger
	crop  func(path string, roi tools.ROI) error
	cmds  *tools.Commands

	// heartbeat is how often a run proves liveness to the ledger; poll is how
	// often held transforms are checked.
	heartbeat time.Duration
	poll      time.Duration

	mu      sync.Mutex
	running bool
}

// New creates a pipeline. meter and store may be nil; without a meter blank
// correction is skipped.
func New(cfg *config.Config, exec *batch.Executor, meter blank.MassMeter, store *storage.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:   cfg,
		exec:  exec,
		meter: meter,
		store: store,
		log:   logger,
		crop:  tools.Crop,
		cmds:  tools.NewCommands(cfg.Registration),

		heartbeat: storage.DefaultHeartbeatTimeout / 4,
		poll:      2 * time.Second,
	}
}

// Executor returns the batch executor, e.g. to subscribe to job results.
func (p *Pipeline) Executor() *batch.Executor { return p.exec }

func (p *Pipeline) transformsDir() string { return filepath.Join(p.cfg.Paths.OutputDir, "transforms") }
func (p *Pipeline) composedDir() string   { return filepath.Join(p.cfg.Paths.OutputDir, "composed") }
func (p *Pipeline) reslicedDir() string   { return filepath.Join(p.cfg.Paths.OutputDir, "resliced") }

// SlicePath is the input image of slice i.
func (p *Pipeline) SlicePath(i int) string {
	return fsutil.SlicePath(p.cfg.Paths.InputDir, p.cfg.Paths.SliceTemplate, i)
}

func (p *Pipeline) newRegistry(runID string) *registry.Registry {
	opts := []registry.Option{
		registry.WithDimension(p.cfg.Registration.Dimension),
		registry.WithLogger(p.log),
	}
	if p.store != nil {
		opts = append(opts, registry.WithLedger(p.store, runID))
	}
	return registry.New(p.transformsDir(), p.cfg.Paths.IndexFormat, opts...)
}

// Model builds the slice model from the configuration.
func Model(s config.Stack) (slices.Model, error) {
	m, err := slices.NewModel(s.StartSliceIndex, s.EndSliceIndex, s.Reference())
	if err != nil {
		return slices.Model{}, err
	}
	fs, fe := s.FixedRange()
	return m.WithFixedRange(fs, fe)
}

// LoadGraph reads the similarity file and builds the graph, writing it in DOT
// format when cfg.DOTOutput is set.
func LoadGraph(cfg config.Graph) (*graph.Graph, error) {
	rows, err := graph.LoadRows(cfg.SimilarityFile)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(rows, cfg.Lambda)
	if err != nil {
		return nil, err
	}
	if cfg.DOTOutput != "" {
		f, err := os.Create(cfg.DOTOutput)
		if err != nil {
			return nil, fmt.Errorf("create dot output: %w", err)
		}
		defer f.Close()
		if err := g.WriteDOT(f, "similarity"); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Plan resolves the model, assignment, blank correction and chains. An
// unreachable-slice error is returned together with a usable plan.
func (p *Pipeline) Plan(ctx context.Context, runID string) (*Plan, error) {
	m, err := Model(p.cfg.Stack)
	if err != nil {
		return nil, err
	}
	a, err := slices.BuildAssignment(m, p.cfg.Stack.AssignmentFile)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		RunID:     runID,
		Start:     m.Start(),
		End:       m.End(),
		Reference: m.Reference(),
		Graph:     p.cfg.Graph.Enabled,
	}

	if missing, err := p.missingImages(targets(m, nil)); err != nil {
		p.log.Warn("list slice images", "dir", p.cfg.Paths.InputDir, "error", err)
	} else if len(missing) > 0 {
		plan.MissingImages = missing
		p.log.Warn("slice images missing", "dir", p.cfg.Paths.InputDir, "count", len(missing), "slices", missing)
	}

	var g *graph.Graph
	if p.cfg.Graph.Enabled {
		if g, err = LoadGraph(p.cfg.Graph); err != nil {
			return nil, err
		}
	}

	switch {
	case !p.cfg.Blank.Enabled || p.meter == nil:
		plan.BlankSkipped = true
	case p.exec.DryRun():
		plan.BlankSkipped = true
		p.log.Info("dry run: blank slice correction skipped")
	default:
		strategy, err := blank.ParseStrategy(p.cfg.Blank.Strategy)
		if err != nil {
			return nil, err
		}
		c := blank.NewCorrector(p.meter, p.SlicePath, p.cfg.Blank.BackgroundValue, strategy, p.log)
		plan.Reassignments, err = c.Correct(ctx, m, a)
		if err != nil {
			return nil, fmt.Errorf("blank slice correction: %w", err)
		}
		plan.Blanks, err = c.Blanks(ctx, targets(m, g))
		if err != nil {
			return nil, fmt.Errorf("blank slice correction: %w", err)
		}
	}
	plan.Assignment = a

	chains, err := BuildChains(m, a, g, plan.Blanks)
	var ue *graph.UnreachableError
	if err != nil && !errors.As(err, &ue) {
		return nil, err
	}
	plan.Chains = chains
	if ue != nil {
		plan.Unreachable = ue.Nodes
		p.log.Warn("slices not connected to the reference", "reference", ue.Reference, "slices", ue.Nodes)
	}
	return plan, err
}

// missingImages returns the indices whose slice image is not among the
// images of the input directory.
func (p *Pipeline) missingImages(indices []int) ([]int, error) {
	files, err := fsutil.ListImages(p.cfg.Paths.InputDir)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(files))
	for _, f := range files {
		have[f] = true
	}
	var missing []int
	for _, i := range indices {
		if !have[p.SlicePath(i)] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing, nil
}

// targets lists every slice a hop may land on: both ranges of m and, for the
// graph model, every node of g.
func targets(m slices.Model, g *graph.Graph) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(ids []int) {
		for _, i := range ids {
			if !seen[i] {
				seen[i] = true
				out = append(out, i)
			}
		}
	}
	add(m.MovingRange())
	add(m.FixedRange())
	if g != nil {
		add(g.Nodes())
	}
	return out
}

// Run executes one reconstruction: partial registrations, then compositions,
// then warps. Each phase starts only after the previous one completed without
// failures.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if !p.acquire() {
		return nil, ErrBusy
	}
	defer p.release()
	return p.execute(ctx, newID("run"))
}

// Start launches a run in the background and returns its id. The summary is
// delivered on the returned channel once the run ends.
func (p *Pipeline) Start(ctx context.Context) (string, <-chan *Summary, error) {
	if !p.acquire() {
		return "", nil, ErrBusy
	}
	runID := newID("run")
	done := make(chan *Summary, 1)
	go func() {
		sum, _ := p.execute(ctx, runID)
		p.release()
		done <- sum
		close(done)
	}()
	return runID, done, nil
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	return true
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *Pipeline) execute(ctx context.Context, runID string) (*Summary, error) {
	sum := &Summary{RunID: runID}
	if n, err := p.store.AbandonStaleRuns(); err != nil {
		p.log.Warn("abandon stale runs", "error", err)
	} else if n > 0 {
		p.log.Warn("marked runs without heartbeat as abandoned", "count", n)
	}
	_ = p.store.RecordRunStart(storage.RunRecord{
		ID:        runID,
		Start:     p.cfg.Stack.StartSliceIndex,
		End:       p.cfg.Stack.EndSliceIndex,
		Reference: p.cfg.Stack.Reference(),
		Mode:      p.cfg.Batch.Mode,
		DryRun:    p.exec.DryRun(),
	})

	stop := p.keepAlive(runID)
	err := p.run(ctx, runID, sum)
	stop()
	status := "completed"
	if err != nil {
		status = "failed"
		sum.Error = err.Error()
	}
	if p.store != nil {
		if rerr := p.store.ReleaseClaims(runID); rerr != nil {
			p.log.Warn("release claims", "run", runID, "error", rerr)
		}
	}
	_ = p.store.RecordRunResult(runID, status, sum, sum.Error)
	logging.LogProcessingStep(p.log, runID, "run", status, map[string]any{"phases": len(sum.Phases)})
	return sum, err
}

// keepAlive heartbeats runID until the returned stop is called.
func (p *Pipeline) keepAlive(runID string) (stop func()) {
	if p.store == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.store.Heartbeat(runID); err != nil {
					p.log.Warn("heartbeat", "run", runID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pipeline) run(ctx context.Context, runID string, sum *Summary) error {
	roi, err := tools.ParseROI(p.cfg.Reslice.ROI)
	if err != nil {
		return err
	}

	logging.LogProcessingStep(p.log, runID, "plan", "started", nil)
	plan, planErr := p.Plan(ctx, runID)
	if plan == nil {
		return planErr
	}
	sum.Plan = plan
	logging.LogProcessingStep(p.log, runID, "plan", "completed", map[string]any{
		"slices":        len(plan.Chains),
		"reassignments": len(plan.Reassignments),
		"unreachable":   len(plan.Unreachable),
	})

	dry := p.exec.DryRun()
	if !dry {
		if err := fsutil.EnsureDirs(p.transformsDir(), p.composedDir(), p.reslicedDir()); err != nil {
			return err
		}
	}

	reg := p.newRegistry(runID)
	builder := chain.NewBuilder(reg, p.composedDir())

	if p.cfg.Batch.SkipTransformGeneration {
		p.log.Info("skipping transform generation", "run", runID)
	} else {
		jobs := p.registrationJobs(runID, plan, reg)
		p.log.Debug("registrations scheduled", "run", runID, "pairs", len(reg.Scheduled()), "held", len(reg.Held()))
		if err := p.phase(ctx, runID, sum, PhaseRegister, jobs); err != nil {
			return errors.Join(err, planErr)
		}
		if !dry {
			reclaimed, err := p.awaitHeld(ctx, runID, reg)
			if err != nil {
				return errors.Join(err, planErr)
			}
			if len(reclaimed) > 0 {
				if err := p.phase(ctx, runID, sum, PhaseRegister, reclaimed); err != nil {
					return errors.Join(err, planErr)
				}
			}
		}

		comps := p.compositions(plan, builder)
		if !dry && usesIdentity(comps, reg.IdentityPath()) {
			if _, err := reg.EnsureIdentity(); err != nil {
				return errors.Join(err, planErr)
			}
		}
		if err := p.phase(ctx, runID, sum, PhaseCompose, p.compositionJobs(runID, comps)); err != nil {
			return errors.Join(err, planErr)
		}
	}

	if p.cfg.Reslice.Enabled {
		jobs := p.warpJobs(runID, plan, builder)
		if err := p.phase(ctx, runID, sum, PhaseWarp, jobs); err != nil {
			return errors.Join(err, planErr)
		}
		if roi != nil && !dry {
			n, err := p.cropAll(jobs, *roi)
			sum.Cropped = n
			if err != nil {
				return errors.Join(err, planErr)
			}
		}
	}
	return planErr
}

func (p *Pipeline) phase(ctx context.Context, runID string, sum *Summary, name string, jobs []batch.Job) error {
	logging.LogProcessingStep(p.log, runID, name, "started", map[string]any{"jobs": len(jobs)})
	rep, err := p.exec.Execute(ctx, name, jobs, true)
	sum.Phases = append(sum.Phases, rep)
	if err != nil {
		return fmt.Errorf("%s phase: %w", name, err)
	}
	logging.LogProcessingStep(p.log, runID, name, "completed", map[string]any{
		"succeeded": len(rep.Succeeded),
		"duration":  rep.Duration.String(),
	})
	return nil
}

// registrationJobs schedules every hop whose transform is still missing.
func (p *Pipeline) registrationJobs(runID string, plan *Plan, reg *registry.Registry) []batch.Job {
	var jobs []batch.Job
	for _, h := range plan.Hops() {
		if _, needed := reg.GetOrSchedule(h.Moving, h.Fixed); needed {
			jobs = append(jobs, p.registerJob(runID, reg, h))
		}
	}
	return jobs
}

func (p *Pipeline) registerJob(runID string, reg *registry.Registry, h chain.Hop) batch.Job {
	job := p.cmds.Register(p.SlicePath(h.Fixed), p.SlicePath(h.Moving), reg.Prefix(h), reg.Path(h))
	job.RunID = runID
	return job
}

// awaitHeld blocks until every transform held by another run exists. A pair
// whose holder finished or went silent without writing it is claimed and
// returned as a job for this run.
func (p *Pipeline) awaitHeld(ctx context.Context, runID string, reg *registry.Registry) ([]batch.Job, error) {
	pending := reg.Held()
	if len(pending) == 0 {
		return nil, nil
	}
	p.log.Info("waiting for transforms computed by another run", "run", runID, "pairs", len(pending))

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	var jobs []batch.Job
	for {
		var remaining []chain.Hop
		for _, h := range pending {
			if fsutil.Exists(reg.Path(h)) {
				continue
			}
			ok, err := reg.Reclaim(h)
			if err != nil {
				return nil, fmt.Errorf("reclaim %s: %w", h, err)
			}
			if ok {
				p.log.Info("reclaimed abandoned transform", "run", runID, "pair", h.String())
				jobs = append(jobs, p.registerJob(runID, reg, h))
				continue
			}
			remaining = append(remaining, h)
		}
		if len(remaining) == 0 {
			return jobs, nil
		}
		pending = remaining
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) compositions(plan *Plan, b *chain.Builder) []chain.Composition {
	out := make([]chain.Composition, 0, len(plan.Chains))
	for _, m := range plan.Moving() {
		out = append(out, b.FromHops(m, plan.Chains[m]))
	}
	return out
}

// compositionJobs skips composed transforms that are newer than all of
// their inputs.
func (p *Pipeline) compositionJobs(runID string, comps []chain.Composition) []batch.Job {
	var jobs []batch.Job
	for _, c := range comps {
		if !fsutil.Stale(c.Output, c.Inputs...) {
			continue
		}
		job := p.cmds.Compose(c)
		job.RunID = runID
		jobs = append(jobs, job)
	}
	return jobs
}

func (p *Pipeline) warpJobs(runID string, plan *Plan, b *chain.Builder) []batch.Job {
	refImage := p.SlicePath(plan.Reference)
	var jobs []batch.Job
	for _, m := range plan.Moving() {
		transform := b.OutputPath(m)
		out := filepath.Join(p.reslicedDir(), filepath.Base(p.SlicePath(m)))
		if !fsutil.Stale(out, transform) {
			continue
		}
		job := p.cmds.Warp(p.SlicePath(m), out, transform, refImage)
		job.RunID = runID
		jobs = append(jobs, job)
	}
	return jobs
}

func (p *Pipeline) cropAll(jobs []batch.Job, roi tools.ROI) (int, error) {
	n := 0
	for _, j := range jobs {
		if err := p.crop(j.Output, roi); err != nil {
			return n, err
		}
		n++
	}
	p.log.Info("cropped resliced slices", "count", n, "roi", roi.String())
	return n, nil
}

func usesIdentity(comps []chain.Composition, identity string) bool {
	for _, c := range comps {
		for _, in := range c.Inputs {
			if in == identity {
				return true
			}
		}
	}
	return false
}

func newID(prefix string) string {
	return prefix + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}
