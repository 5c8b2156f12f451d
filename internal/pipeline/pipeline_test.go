package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"histostack/internal/batch"
	"histostack/internal/blank"
	"histostack/internal/chain"
	"histostack/internal/config"
	"histostack/internal/graph"
	"histostack/internal/slices"
	"histostack/internal/storage"
	"histostack/internal/tools"
)

// fakeTools stands in for the external binaries and creates the files they
// would write.
type fakeTools struct {
	mu    sync.Mutex
	calls []string
	fail  func(name string, args []string) bool
	block chan struct{}
	enter chan struct{}
}

func (f *fakeTools) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	f.mu.Unlock()
	if f.enter != nil {
		select {
		case f.enter <- struct{}{}:
		default:
		}
		<-f.block
	}
	if f.fail != nil && f.fail(name, args) {
		return []byte("registration diverged"), errors.New("exit status 1")
	}
	var out string
	switch name {
	case "ANTS":
		out = args[4] + "Affine.txt"
	case "ComposeMultiTransform":
		out = args[1]
	case "WarpImageMultiTransform":
		out = args[2]
	}
	if out != "" {
		if err := os.WriteFile(out, []byte(name), 0o644); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeTools) byTool() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, c := range f.calls {
		counts[strings.Fields(c)[0]]++
	}
	return counts
}

func (f *fakeTools) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type massByIndex map[int]int64

func (m massByIndex) Mass(ctx context.Context, imagePath string, background float64) (int64, error) {
	i, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(imagePath), ".png"))
	if err != nil {
		return 0, err
	}
	return m[i], nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func intp(i int) *int { return &i }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Stack.StartSliceIndex = 0
	cfg.Stack.EndSliceIndex = 4
	cfg.Stack.ReferenceSliceIndex = intp(2)
	cfg.Paths.InputDir = t.TempDir()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.Blank.Enabled = false
	cfg.Storage.Enabled = false
	return cfg
}

func newTestPipeline(cfg *config.Config, runner batch.Runner, meter blank.MassMeter, store *storage.Store, out io.Writer) *Pipeline {
	exec := batch.New(runner, batch.Options{
		DryRun:  cfg.Batch.DryRun,
		Mode:    batch.Mode(cfg.Batch.Mode),
		Workers: 2,
	}, quiet(), store)
	if out != nil {
		exec.SetOutput(out)
	}
	return New(cfg, exec, meter, store, quiet())
}

func TestRunSchedulesPhasesInOrder(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeTools{}
	p := newTestPipeline(cfg, ft, nil, nil, nil)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	counts := ft.byTool()
	if counts["ANTS"] != 4 || counts["ComposeMultiTransform"] != 5 || counts["WarpImageMultiTransform"] != 5 {
		t.Fatalf("unexpected call counts %v", counts)
	}
	if len(sum.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(sum.Phases))
	}

	// no composition before every registration finished, no warp before
	// every composition finished
	rank := map[string]int{"ANTS": 0, "ComposeMultiTransform": 1, "WarpImageMultiTransform": 2}
	last := 0
	for _, c := range ft.snapshot() {
		r := rank[strings.Fields(c)[0]]
		if r < last {
			t.Fatalf("phase order violated at %q", c)
		}
		last = r
	}

	transforms := filepath.Join(cfg.Paths.OutputDir, "transforms")
	composed := filepath.Join(cfg.Paths.OutputDir, "composed")
	want := "ComposeMultiTransform 2 " + filepath.Join(composed, "0000_composed.txt") + " " +
		filepath.Join(transforms, "0001_to_0002_Affine.txt") + " " +
		filepath.Join(transforms, "0000_to_0001_Affine.txt")
	found := false
	for _, c := range ft.snapshot() {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing composition %q in %v", want, ft.snapshot())
	}
	if _, err := os.Stat(filepath.Join(transforms, "identity_Affine.txt")); err != nil {
		t.Fatalf("identity transform not written: %v", err)
	}
}

func TestRunIsRestartable(t *testing.T) {
	cfg := testConfig(t)
	first := &fakeTools{}
	if _, err := newTestPipeline(cfg, first, nil, nil, nil).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := &fakeTools{}
	sum, err := newTestPipeline(cfg, second, nil, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls := second.snapshot(); len(calls) != 0 {
		t.Fatalf("restarted run should have nothing to do, ran %v", calls)
	}
	for _, ph := range sum.Phases {
		if ph.Planned != 0 {
			t.Fatalf("phase %s planned %d jobs", ph.Phase, ph.Planned)
		}
	}
}

func TestRunRebuildsStaleComposition(t *testing.T) {
	cfg := testConfig(t)
	if _, err := newTestPipeline(cfg, &fakeTools{}, nil, nil, nil).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// a partial transform newer than the composed ones
	partial := filepath.Join(cfg.Paths.OutputDir, "transforms", "0004_to_0003_Affine.txt")
	composedOut := filepath.Join(cfg.Paths.OutputDir, "composed", "0004_composed.txt")
	info, err := os.Stat(composedOut)
	if err != nil {
		t.Fatal(err)
	}
	future := info.ModTime().Add(10 * time.Minute)
	if err := os.Chtimes(partial, future, future); err != nil {
		t.Fatal(err)
	}

	ft := &fakeTools{}
	if _, err := newTestPipeline(cfg, ft, nil, nil, nil).Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	counts := ft.byTool()
	if counts["ANTS"] != 0 || counts["ComposeMultiTransform"] != 1 {
		t.Fatalf("expected only slice 4 to be recomposed, got %v", counts)
	}
	if !strings.Contains(ft.snapshot()[0], "0004_composed.txt") {
		t.Fatalf("unexpected composition %v", ft.snapshot())
	}
}

func TestDryRunPrintsWithoutExecuting(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch.DryRun = true
	cfg.Blank.Enabled = true
	ft := &fakeTools{}
	var out bytes.Buffer
	meter := massByIndex{}
	p := newTestPipeline(cfg, ft, meter, nil, &out)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(ft.snapshot()) != 0 {
		t.Fatalf("dry run executed commands")
	}
	if !sum.Plan.BlankSkipped {
		t.Fatalf("dry run must skip blank correction")
	}
	listing := out.String()
	for _, tool := range []string{"ANTS", "ComposeMultiTransform", "WarpImageMultiTransform"} {
		if !strings.Contains(listing, tool) {
			t.Fatalf("listing lacks %s:\n%s", tool, listing)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "transforms")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not create output directories")
	}
}

func TestRegistrationFailureStopsComposition(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeTools{fail: func(name string, args []string) bool {
		return name == "ANTS" && strings.Contains(args[4], "0000_to_0001")
	}}
	sum, err := newTestPipeline(cfg, ft, nil, nil, nil).Run(context.Background())
	var je *batch.JobError
	if !errors.As(err, &je) {
		t.Fatalf("expected JobError, got %v", err)
	}
	if n := ft.byTool()["ComposeMultiTransform"]; n != 0 {
		t.Fatalf("composition ran after a failed registration (%d jobs)", n)
	}
	if len(sum.Phases) != 1 || sum.Error == "" {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestPlanCorrectsBlankReferences(t *testing.T) {
	cfg := testConfig(t)
	cfg.Blank.Enabled = true
	meter := massByIndex{1: 50, 2: 50, 3: 50, 4: 50}
	p := newTestPipeline(cfg, &fakeTools{}, meter, nil, nil)

	plan, err := p.Plan(context.Background(), "r")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Reassignments) != 1 || plan.Reassignments[0].Moving != 0 || plan.Reassignments[0].NewFixed != 1 {
		t.Fatalf("unexpected reassignments %+v", plan.Reassignments)
	}
	if want := []chain.Hop{{Moving: 0, Fixed: 1}, {Moving: 1, Fixed: 2}}; !reflect.DeepEqual(plan.Chains[0], want) {
		t.Fatalf("chain 0 = %v, want %v", plan.Chains[0], want)
	}
}

// checkTargets fails when a chain is malformed or any hop lands on a blank
// slice.
func checkTargets(t *testing.T, chains map[int][]chain.Hop, ref int, blanks []int) {
	t.Helper()
	isBlank := map[int]bool{}
	for _, b := range blanks {
		isBlank[b] = true
	}
	for m, hops := range chains {
		if err := chain.Validate(hops, m, ref); err != nil {
			t.Fatalf("chain %d = %v: %v", m, hops, err)
		}
		for _, h := range hops {
			if isBlank[h.Fixed] {
				t.Fatalf("chain %d = %v registers onto blank slice %d", m, hops, h.Fixed)
			}
		}
	}
}

func TestPlanRoutesAroundInteriorBlankSlices(t *testing.T) {
	cases := []struct {
		name     string
		strategy string
		mass     massByIndex
		blanks   []int
		want     map[int][]chain.Hop
	}{
		{
			name:     "anchors",
			strategy: "anchors",
			mass:     massByIndex{0: 50, 2: 50, 3: 50, 4: 50},
			blanks:   []int{1},
			want: map[int][]chain.Hop{
				0: {{0, 2}},
				1: {{1, 0}, {0, 2}},
				2: {{2, 2}},
				3: {{3, 2}},
				4: {{4, 3}, {3, 2}},
			},
		},
		{
			name:     "nearest",
			strategy: "nearest",
			mass:     massByIndex{0: 50, 1: 50, 2: 50},
			blanks:   []int{3, 4},
			want: map[int][]chain.Hop{
				0: {{0, 1}, {1, 2}},
				1: {{1, 2}},
				2: {{2, 2}},
				3: {{3, 2}},
				4: {{4, 2}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Blank.Enabled = true
			cfg.Blank.Strategy = tc.strategy
			plan, err := newTestPipeline(cfg, &fakeTools{}, tc.mass, nil, nil).Plan(context.Background(), "r")
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if !reflect.DeepEqual(plan.Blanks, tc.blanks) {
				t.Fatalf("blanks = %v, want %v", plan.Blanks, tc.blanks)
			}
			checkTargets(t, plan.Chains, plan.Reference, plan.Blanks)
			if !reflect.DeepEqual(plan.Chains, tc.want) {
				t.Fatalf("chains = %v, want %v", plan.Chains, tc.want)
			}
		})
	}
}

func TestGraphPlanRoutesAroundBlankSlices(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stack.ReferenceSliceIndex = intp(0)
	cfg.Blank.Enabled = true
	sim := filepath.Join(t.TempDir(), "sim.csv")
	rows := "0,1,0.1\n1,2,0.1\n2,3,0.1\n3,4,0.1\n1,3,0.5\n"
	if err := os.WriteFile(sim, []byte(rows), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Graph.Enabled = true
	cfg.Graph.SimilarityFile = sim

	plan, err := newTestPipeline(cfg, &fakeTools{}, massByIndex{0: 50, 1: 50, 3: 50, 4: 50}, nil, nil).Plan(context.Background(), "r")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	checkTargets(t, plan.Chains, 0, plan.Blanks)
	want := map[int][]chain.Hop{
		2: {{2, 4}, {4, 3}, {3, 1}, {1, 0}},
		3: {{3, 1}, {1, 0}},
	}
	for m, hops := range want {
		if !reflect.DeepEqual(plan.Chains[m], hops) {
			t.Fatalf("chain %d = %v, want %v", m, plan.Chains[m], hops)
		}
	}
	for _, h := range plan.Hops() {
		if h.Fixed == 2 {
			t.Fatalf("registration %s scheduled onto blank slice", h)
		}
	}
}

func TestBuildChainsCutsLoopThroughMovingSlice(t *testing.T) {
	m, _ := slices.NewModel(0, 4, 4)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	a[1] = 0

	chains, err := BuildChains(m, a, nil, nil)
	if err != nil {
		t.Fatalf("chains: %v", err)
	}
	if want := []chain.Hop{{1, 2}, {2, 3}, {3, 4}}; !reflect.DeepEqual(chains[1], want) {
		t.Fatalf("chain 1 = %v, want %v", chains[1], want)
	}
}

func TestBuildChainsRejectsBlankReference(t *testing.T) {
	m, _ := slices.NewModel(0, 2, 1)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	if _, err := BuildChains(m, a, nil, []int{1}); !errors.Is(err, ErrBlankReference) {
		t.Fatalf("expected ErrBlankReference, got %v", err)
	}
}

func TestPlanReportsMissingImages(t *testing.T) {
	cfg := testConfig(t)
	for i := 0; i <= 2; i++ {
		if err := os.WriteFile(filepath.Join(cfg.Paths.InputDir, fmt.Sprintf("%04d.png", i)), []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	plan, err := newTestPipeline(cfg, &fakeTools{}, nil, nil, nil).Plan(context.Background(), "r")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if want := []int{3, 4}; !reflect.DeepEqual(plan.MissingImages, want) {
		t.Fatalf("missing images = %v, want %v", plan.MissingImages, want)
	}
}

func TestGraphRunContinuesPastUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stack.ReferenceSliceIndex = intp(0)
	sim := filepath.Join(t.TempDir(), "sim.csv")
	if err := os.WriteFile(sim, []byte("0,1,0.1\n1,2,0.1\n3,4,0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Graph.Enabled = true
	cfg.Graph.SimilarityFile = sim
	cfg.Graph.DOTOutput = filepath.Join(t.TempDir(), "sim.dot")

	ft := &fakeTools{}
	sum, err := newTestPipeline(cfg, ft, nil, nil, nil).Run(context.Background())
	var ue *graph.UnreachableError
	if !errors.As(err, &ue) || !reflect.DeepEqual(ue.Nodes, []int{3, 4}) {
		t.Fatalf("expected slices 3 and 4 unreachable, got %v", err)
	}
	counts := ft.byTool()
	if counts["ANTS"] != 2 || counts["ComposeMultiTransform"] != 3 || counts["WarpImageMultiTransform"] != 3 {
		t.Fatalf("unexpected call counts %v", counts)
	}
	if !reflect.DeepEqual(sum.Plan.Unreachable, []int{3, 4}) {
		t.Fatalf("plan should list unreachable slices, got %v", sum.Plan.Unreachable)
	}
	if _, err := os.Stat(cfg.Graph.DOTOutput); err != nil {
		t.Fatalf("dot output missing: %v", err)
	}
}

func TestRunCropsToROI(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reslice.ROI = "0,0,64,32"
	p := newTestPipeline(cfg, &fakeTools{}, nil, nil, nil)
	var cropped []string
	p.crop = func(path string, roi tools.ROI) error {
		if roi.Width != 64 || roi.Height != 32 {
			t.Errorf("unexpected roi %+v", roi)
		}
		cropped = append(cropped, path)
		return nil
	}
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Cropped != 5 || len(cropped) != 5 {
		t.Fatalf("expected 5 cropped slices, got %d", sum.Cropped)
	}
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeTools{enter: make(chan struct{}, 1), block: make(chan struct{})}
	cfg.Batch.Mode = "sequential"
	p := newTestPipeline(cfg, ft, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()
	<-ft.enter
	if _, err := p.Run(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// let the first run finish
	close(ft.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestStartRunsInBackground(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeTools{enter: make(chan struct{}, 1), block: make(chan struct{})}
	p := newTestPipeline(cfg, ft, nil, nil, nil)

	runID, done, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-ft.enter
	if !p.Running() {
		t.Fatalf("expected a running pipeline")
	}
	if _, _, err := p.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(ft.block)
	sum := <-done
	if sum == nil || sum.RunID != runID || sum.Error != "" {
		t.Fatalf("summary = %+v", sum)
	}
	if p.Running() {
		t.Fatalf("pipeline still marked running")
	}
}

func TestRunRecordsLedger(t *testing.T) {
	cfg := testConfig(t)
	store, err := storage.New("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	sum, err := newTestPipeline(cfg, &fakeTools{}, nil, store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	runs, err := store.RecentRuns(1)
	if err != nil || len(runs) != 1 || runs[0].ID != sum.RunID || runs[0].Status != "completed" {
		t.Fatalf("unexpected runs %+v (%v)", runs, err)
	}
	jobs, err := store.RecentJobs(sum.RunID, 100)
	if err != nil || len(jobs) != 14 {
		t.Fatalf("expected 14 jobs, got %d (%v)", len(jobs), err)
	}
	for _, j := range jobs {
		if j.Status != "completed" {
			t.Fatalf("job %s status %s", j.ID, j.Status)
		}
	}
}

func openLedger(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// claimForeign makes owner hold the registration of moving onto fixed.
func claimForeign(t *testing.T, store *storage.Store, cfg *config.Config, owner string, moving, fixed int) string {
	t.Helper()
	if err := store.RecordRunStart(storage.RunRecord{ID: owner}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.Paths.OutputDir, "transforms", fmt.Sprintf("%04d_to_%04d_Affine.txt", moving, fixed))
	if ok, err := store.Claim(path, owner); !ok || err != nil {
		t.Fatalf("claim: %v %v", ok, err)
	}
	return path
}

func TestRunRecomputesClaimsOfKilledRun(t *testing.T) {
	cfg := testConfig(t)
	store := openLedger(t)
	claimForeign(t, store, cfg, "run-killed", 0, 1)
	// the process died: no heartbeat, no result, claims never released
	if _, err := store.DB.Exec(`UPDATE runs SET heartbeat_at=0 WHERE id='run-killed';`); err != nil {
		t.Fatal(err)
	}

	ft := &fakeTools{}
	if _, err := newTestPipeline(cfg, ft, nil, store, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := ft.byTool()["ANTS"]; n != 4 {
		t.Fatalf("expected 4 registrations, got %d", n)
	}
	runs, err := store.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if r.ID == "run-killed" && r.Status != "abandoned" {
			t.Fatalf("killed run status %s", r.Status)
		}
	}
}

func TestRunWaitsForTransformsOfLiveRun(t *testing.T) {
	t.Run("holder writes the transform", func(t *testing.T) {
		cfg := testConfig(t)
		store := openLedger(t)
		path := claimForeign(t, store, cfg, "run-live", 0, 1)
		go func() {
			time.Sleep(50 * time.Millisecond)
			os.MkdirAll(filepath.Dir(path), 0o755)
			os.WriteFile(path, []byte("ANTS"), 0o644)
		}()

		ft := &fakeTools{}
		p := newTestPipeline(cfg, ft, nil, store, nil)
		p.poll = 10 * time.Millisecond
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		counts := ft.byTool()
		if counts["ANTS"] != 3 || counts["ComposeMultiTransform"] != 5 {
			t.Fatalf("unexpected call counts %v", counts)
		}
	})

	t.Run("holder fails without writing", func(t *testing.T) {
		cfg := testConfig(t)
		store := openLedger(t)
		path := claimForeign(t, store, cfg, "run-live", 0, 1)
		go func() {
			time.Sleep(50 * time.Millisecond)
			store.RecordRunResult("run-live", "failed", nil, "registration diverged")
		}()

		ft := &fakeTools{}
		p := newTestPipeline(cfg, ft, nil, store, nil)
		p.poll = 10 * time.Millisecond
		sum, err := p.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if n := ft.byTool()["ANTS"]; n != 4 {
			t.Fatalf("expected 4 registrations, got %d", n)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("reclaimed transform missing: %v", err)
		}
		if len(sum.Phases) != 4 || sum.Phases[1].Phase != PhaseRegister {
			t.Fatalf("expected a second registration batch, got %+v", sum.Phases)
		}
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		cfg := testConfig(t)
		store := openLedger(t)
		claimForeign(t, store, cfg, "run-live", 0, 1)

		ft := &fakeTools{}
		p := newTestPipeline(cfg, ft, nil, store, nil)
		p.poll = 10 * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		if _, err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
		if n := ft.byTool()["ComposeMultiTransform"]; n != 0 {
			t.Fatalf("composition ran with a missing input (%d jobs)", n)
		}
	})
}

func TestBuildChains(t *testing.T) {
	m, _ := slices.NewModel(0, 6, 3)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	a[6] = 1
	a[0] = 3

	chains, err := BuildChains(m, a, nil, nil)
	if err != nil {
		t.Fatalf("chains: %v", err)
	}
	cases := map[int][]chain.Hop{
		0: {{0, 3}},
		2: {{2, 3}},
		3: {{3, 3}},
		5: {{5, 4}, {4, 3}},
		6: {{6, 1}, {1, 2}, {2, 3}},
	}
	for moving, want := range cases {
		if !reflect.DeepEqual(chains[moving], want) {
			t.Fatalf("chain %d = %v, want %v", moving, chains[moving], want)
		}
	}
}

func TestBuildChainsFromGraph(t *testing.T) {
	m, _ := slices.NewModel(0, 2, 0)
	a := slices.IdentityAssignment(m.MovingRange(), m.FixedRange())
	g, err := graph.Build([]graph.Row{{A: 0, B: 1, Score: 0.1}, {A: 1, B: 2, Score: 0.1}, {A: 0, B: 2, Score: 0.9}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	chains, err := BuildChains(m, a, g, nil)
	if err != nil {
		t.Fatalf("chains: %v", err)
	}
	if want := []chain.Hop{{2, 1}, {1, 0}}; !reflect.DeepEqual(chains[2], want) {
		t.Fatalf("chain 2 = %v, want %v", chains[2], want)
	}
}
