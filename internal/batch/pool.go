package batch

import (
	"context"
	"sync"
)

// pool dispatches jobs across a fixed number of workers.
type pool struct {
	run      func(ctx context.Context, job Job) Result
	jobs     chan Job
	results  chan Result
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// newPool starts workers goroutines. results is buffered for size jobs so
// workers never block on a slow reader.
func newPool(ctx context.Context, workers, size int, run func(context.Context, Job) Result) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{
		run:     run,
		jobs:    make(chan Job, workers*2),
		results: make(chan Result, size),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *pool) submit(job Job) {
	p.jobs <- job
}

// stop closes the queue, waits for in-flight jobs and closes results.
func (p *pool) stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		close(p.results)
	})
}

func (p *pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		if ctx.Err() != nil {
			p.results <- Result{Job: job, Status: "skipped", Err: ctx.Err()}
			continue
		}
		p.results <- p.run(ctx, job)
	}
}
