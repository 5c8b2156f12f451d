package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"histostack/internal/blank"
	"histostack/internal/fsutil"
	"histostack/internal/graph"
	"histostack/internal/grpcserver"
	"histostack/internal/pipeline"
	"histostack/internal/server"
	"histostack/internal/slices"
	"histostack/internal/tools"
	"histostack/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(r *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "histostack",
		Short: "Assemble a 3-D volume from a stack of serial histology sections",
		Long: `histostack registers neighbouring section images pairwise, composes the
partial transforms into one transform per section that maps it onto a
reference section, and reslices every section into the reference frame.

Registration, composition and reslicing are delegated to external tools
(ANTS, ComposeMultiTransform, WarpImageMultiTransform by default).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.setup(cmd)
		},
	}
	r.bindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newRunCmd(r))
	rootCmd.AddCommand(newChainCmd(r))
	rootCmd.AddCommand(newGraphCmd(r))
	rootCmd.AddCommand(newBlankCmd(r))
	rootCmd.AddCommand(newToolsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

func newRunCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Register, compose and reslice the configured stack",
		Long: `Run the three phases of a reconstruction. Pairwise registrations run first,
then every chain is composed into a single transform, then each section is
warped into the reference frame. A phase starts only when the previous one
finished without failures. Existing transforms are reused, so an interrupted
run can simply be started again.

Examples:
  histostack run --startSliceIndex 0 --endSliceIndex 40 --referenceSliceIndex 20
  histostack run --config stack.yaml --dryRun
  histostack run --similarityFile sim.csv --lambda 0.5 --cpuNo 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.requireTools(); err != nil {
				return err
			}
			p, err := r.newPipeline()
			if err != nil {
				return err
			}
			sum, err := p.Run(cmd.Context())
			if sum != nil {
				r.printSummary(sum)
			}
			return err
		},
	}
}

func (r *Root) printSummary(sum *pipeline.Summary) {
	fmt.Fprintf(r.out, "run %s\n", sum.RunID)
	if sum.Plan != nil {
		for _, re := range sum.Plan.Reassignments {
			fmt.Fprintf(r.out, "  blank reference: slice %d now registers onto %d instead of %d\n", re.Moving, re.NewFixed, re.OldFixed)
		}
		if len(sum.Plan.Unreachable) > 0 {
			fmt.Fprintf(r.out, "  not connected to reference %d: %v\n", sum.Plan.Reference, sum.Plan.Unreachable)
		}
	}
	for _, ph := range sum.Phases {
		fmt.Fprintf(r.out, "  %-8s planned %d, succeeded %d, failed %d, skipped %d (%s)\n",
			ph.Phase, ph.Planned, len(ph.Succeeded), len(ph.Failed), len(ph.Skipped), ph.Duration.Round(time.Millisecond))
	}
	if sum.Cropped > 0 {
		fmt.Fprintf(r.out, "  cropped %d resliced images\n", sum.Cropped)
	}
}

func newChainCmd(r *Root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Print the transform chain of every section",
		Long: `Resolve the assignment, blank slice correction and chains without running
any registration. Hops are printed in application order, moving->fixed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := r.newPipeline()
			if err != nil {
				return err
			}
			plan, err := p.Plan(cmd.Context(), "")
			if plan == nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(r.out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(plan); encErr != nil {
					return encErr
				}
				return err
			}
			printPlan(r, plan)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

func printPlan(r *Root, plan *pipeline.Plan) {
	fmt.Fprintf(r.out, "reference %d, slices [%d, %d]\n", plan.Reference, plan.Start, plan.End)
	if plan.BlankSkipped {
		fmt.Fprintln(r.out, "blank slice correction skipped")
	}
	for _, re := range plan.Reassignments {
		fmt.Fprintf(r.out, "blank reference %d of slice %d replaced by %d\n", re.OldFixed, re.Moving, re.NewFixed)
	}
	for _, m := range plan.Moving() {
		hops := make([]string, 0, len(plan.Chains[m]))
		for _, h := range plan.Chains[m] {
			hops = append(hops, h.String())
		}
		fmt.Fprintf(r.out, "%d: %s\n", m, strings.Join(hops, " "))
	}
	if len(plan.Unreachable) > 0 {
		fmt.Fprintf(r.out, "unreachable: %v\n", plan.Unreachable)
	}
}

func newGraphCmd(r *Root) *cobra.Command {
	var dotPath string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the similarity graph",
		Long: `Load the similarity rows, print the cheapest chain from every node to the
reference with its cost, and optionally export the graph in DOT format.

Examples:
  histostack graph --similarityFile sim.csv --referenceSliceIndex 10
  histostack graph --similarityFile sim.csv --lambda 0.2 --dot sim.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.cfg.Graph.SimilarityFile == "" {
				return errors.New("graph needs --similarityFile")
			}
			rows, err := graph.LoadRows(r.cfg.Graph.SimilarityFile)
			if err != nil {
				return err
			}
			g, err := graph.Build(rows, r.cfg.Graph.Lambda)
			if err != nil {
				return err
			}
			if dotPath != "" {
				if err := writeDOT(r, g, dotPath); err != nil {
					return err
				}
			}

			ref := r.cfg.Stack.Reference()
			var unreachable []int
			for _, n := range g.Nodes() {
				hops, cost, err := g.ShortestChain(n, ref)
				if errors.Is(err, graph.ErrNoPath) {
					unreachable = append(unreachable, n)
					continue
				}
				if err != nil {
					return err
				}
				parts := make([]string, 0, len(hops))
				for _, h := range hops {
					parts = append(parts, h.String())
				}
				fmt.Fprintf(r.out, "%d: cost %.4g  %s\n", n, cost, strings.Join(parts, " "))
			}
			if len(unreachable) > 0 {
				return &graph.UnreachableError{Reference: ref, Nodes: unreachable}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dotPath, "dot", "", "write the graph in DOT format to this file (- for stdout)")
	return cmd
}

func writeDOT(r *Root, g *graph.Graph, path string) error {
	if path == "-" {
		return g.WriteDOT(r.out, "similarity")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := g.WriteDOT(f, "similarity"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newBlankCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "blank",
		Short: "Detect blank reference sections and print their replacements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := pipeline.Model(r.cfg.Stack)
			if err != nil {
				return err
			}
			a, err := slices.BuildAssignment(m, r.cfg.Stack.AssignmentFile)
			if err != nil {
				return err
			}
			strategy, err := blank.ParseStrategy(r.cfg.Blank.Strategy)
			if err != nil {
				return err
			}
			imagePath := func(i int) string {
				return fsutil.SlicePath(r.cfg.Paths.InputDir, r.cfg.Paths.SliceTemplate, i)
			}
			c := blank.NewCorrector(r.massMeter(), imagePath, r.cfg.Blank.BackgroundValue, strategy, r.log)
			changes, err := c.Correct(cmd.Context(), m, a)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				fmt.Fprintln(r.out, "no blank references")
				return nil
			}
			for _, re := range changes {
				fmt.Fprintf(r.out, "%d: %d -> %d\n", re.Moving, re.OldFixed, re.NewFixed)
			}
			return nil
		},
	}
}

func newToolsCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:         "tools",
		Short:       "Show which external tools are available",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipValidation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := tools.NewManager(r.cfg.Registration.Tools, r.log)
			missing := 0
			for _, st := range mgr.Status() {
				if st.Available {
					fmt.Fprintf(r.out, "%-9s %-26s ok  %s\n", st.Role, st.Binary, st.Path)
					continue
				}
				missing++
				fmt.Fprintf(r.out, "%-9s %-26s --  %s\n", st.Role, st.Binary, st.Error)
			}
			if missing > 0 {
				fmt.Fprintf(r.out, "\n%d tool(s) missing; install ANTs and GNU parallel or set registration.tools\n", missing)
			}
			return nil
		},
	}
}

func newServeCmd(r *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watchOut bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run status over HTTP and chain planning over gRPC",
		Long: `Start the HTTP API (/healthz, /runs, /jobs, /plan, /tools, /ws) and the gRPC
planning service. Runs are started with POST /runs.

Examples:
  histostack serve --config stack.yaml
  histostack serve --addr :8080 --grpcAddr :9090 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				r.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpcAddr") {
				r.cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("watch") {
				r.cfg.Server.WatchTransforms = watchOut
			}
			return r.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpcAddr", ":9090", "gRPC address (host:port), empty to disable")
	cmd.Flags().BoolVar(&watchOut, "watch", false, "stream new transforms and resliced images to websocket clients")
	return cmd
}

func (r *Root) serve(ctx context.Context) error {
	p, err := r.newPipeline()
	if err != nil {
		return err
	}

	var w *watch.Watcher
	if r.cfg.Server.WatchTransforms {
		out := r.cfg.Paths.OutputDir
		w, err = watch.New(r.log,
			filepath.Join(out, "transforms"),
			filepath.Join(out, "composed"),
			filepath.Join(out, "resliced"))
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
	}

	mgr := tools.NewManager(r.cfg.Registration.Tools, r.log)
	httpSrv := server.NewServer(r.cfg.Server.Addr, r.store, p, mgr, w, r.log)
	planner := grpcserver.NewPlanner(r.cfg, r.store, r.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	if r.cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return grpcserver.Serve(ctx, r.cfg.Server.GRPCAddr, planner, r.log) })
	}
	return g.Wait()
}

func newVersionCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{skipValidation: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(r.out, "histostack %s (%s)\n", Version, runtime.Version())
		},
	}
}
