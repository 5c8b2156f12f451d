package batch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"histostack/internal/fsutil"
	"histostack/internal/logging"
	"histostack/internal/storage"
)

// Mode selects how a parallel batch is executed.
type Mode string

const (
	ModePool       Mode = "pool"       // in-process worker pool
	ModeExternal   Mode = "external"   // GNU parallel over a batch file
	ModeSequential Mode = "sequential" // ignore the parallel flag
)

// Options configures an Executor.
type Options struct {
	DryRun         bool
	Mode           Mode
	Workers        int
	ParallelBinary string
	BatchDir       string // where external batch files are written
}

// Report summarizes one Execute call.
type Report struct {
	Phase     string        `json:"phase"`
	Planned   int           `json:"planned"`
	Succeeded []string      `json:"succeeded,omitempty"`
	Failed    []string      `json:"failed,omitempty"`
	Skipped   []string      `json:"skipped,omitempty"`
	DryRun    bool          `json:"dry_run"`
	Duration  time.Duration `json:"duration"`
}

// Executor runs batches of jobs through a Runner.
type Executor struct {
	runner    Runner
	opts      Options
	log       *slog.Logger
	store     *storage.Store
	out       io.Writer
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates an Executor. store may be nil.
func New(runner Runner, opts Options, logger *slog.Logger, store *storage.Store) *Executor {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Mode == "" {
		opts.Mode = ModePool
	}
	if opts.ParallelBinary == "" {
		opts.ParallelBinary = "parallel"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner: runner,
		opts:   opts,
		log:    logger,
		store:  store,
		out:    os.Stdout,
		subs:   make(map[int]chan Result),
	}
}

// SetOutput redirects dry-run command listings.
func (e *Executor) SetOutput(w io.Writer) { e.out = w }

// DryRun reports whether commands are only printed.
func (e *Executor) DryRun() bool { return e.opts.DryRun }

// Execute runs jobs and waits for all of them. With parallel unset, or in
// sequential mode, jobs run in order and the first failure stops the batch.
// In parallel the first failure halts the remaining jobs. Failures are
// returned joined.
func (e *Executor) Execute(ctx context.Context, phase string, jobs []Job, parallel bool) (Report, error) {
	start := time.Now()
	rep := Report{Phase: phase, Planned: len(jobs), DryRun: e.opts.DryRun}
	if len(jobs) == 0 {
		return rep, nil
	}

	status := "queued"
	if e.opts.DryRun {
		status = "planned"
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
		_ = e.store.RecordJobQueued(storage.JobRecord{
			ID:         jobs[i].ID,
			RunID:      jobs[i].RunID,
			Kind:       string(jobs[i].Kind),
			Status:     status,
			Command:    jobs[i].CommandLine(),
			OutputPath: jobs[i].Output,
		})
	}

	var err error
	switch {
	case e.opts.DryRun:
		e.dryRun(phase, jobs, &rep)
	case !parallel || e.opts.Mode == ModeSequential:
		err = e.runSequential(ctx, jobs, &rep)
	case e.opts.Mode == ModeExternal:
		err = e.runExternal(ctx, phase, jobs, &rep)
	default:
		err = e.runPool(ctx, jobs, &rep)
	}
	rep.Duration = time.Since(start)
	return rep, err
}

func (e *Executor) dryRun(phase string, jobs []Job, rep *Report) {
	for _, job := range jobs {
		line := job.CommandLine()
		fmt.Fprintln(e.out, line)
		e.log.Debug("dry run", "phase", phase, "id", job.ID, "command", line)
		e.broadcast(Result{Job: job, Status: "planned"})
		rep.Skipped = append(rep.Skipped, job.ID)
	}
}

// runJob executes a single job and records its outcome.
func (e *Executor) runJob(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(e.log, string(job.Kind), job.ID, job.Output, job.Args)
	_ = e.store.RecordJobStart(job.ID)

	out, err := e.runner.Run(ctx, job.Name, job.Args)
	duration := time.Since(start)
	res := Result{Job: job, Output: out, Status: "completed"}
	meta := map[string]any{"duration_ms": duration.Milliseconds()}
	if err != nil {
		res.Err = &JobError{Job: job, Output: string(out), Err: err}
		res.Status = "failed"
		logging.LogJobError(e.log, string(job.Kind), job.ID, duration, err)
		_ = e.store.RecordJobResult(job.ID, res.Status, meta, res.Err.Error())
	} else {
		logging.LogJobComplete(e.log, string(job.Kind), job.ID, duration)
		_ = e.store.RecordJobResult(job.ID, res.Status, meta, "")
	}
	e.broadcast(res)
	return res
}

func (e *Executor) runSequential(ctx context.Context, jobs []Job, rep *Report) error {
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			e.skip(jobs[i:], rep)
			return err
		}
		res := e.runJob(ctx, job)
		if res.Err != nil {
			rep.Failed = append(rep.Failed, job.ID)
			e.skip(jobs[i+1:], rep)
			return res.Err
		}
		rep.Succeeded = append(rep.Succeeded, job.ID)
	}
	return nil
}

func (e *Executor) runPool(ctx context.Context, jobs []Job, rep *Report) error {
	ctx, halt := context.WithCancel(ctx)
	defer halt()

	p := newPool(ctx, e.opts.Workers, len(jobs), e.runJob)
	go func() {
		for _, job := range jobs {
			p.submit(job)
		}
		p.stop()
	}()

	var errs []error
	for res := range p.results {
		switch {
		case res.Status == "skipped":
			// never started
			e.skip([]Job{res.Job}, rep)
		case res.Err != nil:
			rep.Failed = append(rep.Failed, res.Job.ID)
			errs = append(errs, res.Err)
			halt()
		default:
			rep.Succeeded = append(rep.Succeeded, res.Job.ID)
		}
	}
	if len(errs) == 0 && len(rep.Skipped) > 0 {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

// runExternal hands the whole batch to GNU parallel. Per-job outcome is
// inferred from the presence of each job's output.
func (e *Executor) runExternal(ctx context.Context, phase string, jobs []Job, rep *Report) error {
	dir := e.opts.BatchDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := fsutil.EnsureDirs(dir); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, phase+"-*.batch")
	if err != nil {
		return fmt.Errorf("create batch file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, job := range jobs {
		fmt.Fprintln(w, job.CommandLine())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write batch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	args := []string{"-j", strconv.Itoa(e.opts.Workers), "--halt", "now,fail=1", "::::", f.Name()}
	batchJob := Job{ID: phase + "-batch", Kind: jobs[0].Kind, Name: e.opts.ParallelBinary, Args: args}
	e.log.Info("dispatching batch", "phase", phase, "jobs", len(jobs), "file", f.Name(), "workers", e.opts.Workers)
	for _, job := range jobs {
		_ = e.store.RecordJobStart(job.ID)
	}

	start := time.Now()
	out, runErr := e.runner.Run(ctx, batchJob.Name, batchJob.Args)
	duration := time.Since(start)

	for _, job := range jobs {
		res := Result{Job: job, Status: "completed"}
		if runErr != nil && (job.Output == "" || !fsutil.Exists(job.Output)) {
			res.Status = "failed"
			rep.Failed = append(rep.Failed, job.ID)
		} else {
			rep.Succeeded = append(rep.Succeeded, job.ID)
		}
		_ = e.store.RecordJobResult(job.ID, res.Status, map[string]any{"batch": f.Name()}, "")
		e.broadcast(res)
	}

	if runErr != nil {
		logging.LogJobError(e.log, string(batchJob.Kind), batchJob.ID, duration, runErr)
		e.log.Warn("batch file kept for inspection", "file", f.Name())
		return &JobError{Job: batchJob, Output: string(out), Err: runErr}
	}
	logging.LogJobComplete(e.log, string(batchJob.Kind), batchJob.ID, duration)
	os.Remove(f.Name())
	return nil
}

func (e *Executor) skip(jobs []Job, rep *Report) {
	for _, job := range jobs {
		rep.Skipped = append(rep.Skipped, job.ID)
		_ = e.store.RecordJobResult(job.ID, "skipped", nil, "")
		e.broadcast(Result{Job: job, Status: "skipped"})
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (e *Executor) Subscribe() (<-chan Result, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Result, 8)
	e.subs[id] = ch
	unsub := func() {
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
		e.mu.Unlock()
	}
	return ch, unsub
}

func (e *Executor) broadcast(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- res:
		default:
			e.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
