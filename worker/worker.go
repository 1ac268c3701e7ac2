// Package worker executes claimed jobs: a pool of goroutines takes job IDs
// from the scheduler and runs each through the stage chain.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Worker represents one executor goroutine
type Worker struct {
	ID         string
	chain      *Chain
	processing string
	mu         sync.Mutex
}

// NewWorker creates a new worker instance
func NewWorker(id string, chain *Chain) *Worker {
	return &Worker{ID: id, chain: chain}
}

// Current returns the job the worker is running, or ""
func (w *Worker) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processing
}

func (w *Worker) run(ctx context.Context, jobs <-chan string) {
	log.Info().Str("worker", w.ID).Msg("worker starting")
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-jobs:
			if !ok {
				return
			}
			w.mu.Lock()
			w.processing = jobID
			w.mu.Unlock()

			log.Info().Str("worker", w.ID).Str("job_id", jobID).Msg("processing job")
			w.chain.Run(ctx, jobID)

			w.mu.Lock()
			w.processing = ""
			w.mu.Unlock()
		}
	}
}

// Pool is a fixed set of workers consuming one dispatch channel
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates size workers sharing chain
func NewPool(chain *Chain, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{workers: make([]*Worker, size)}
	for i := range p.workers {
		p.workers[i] = NewWorker(fmt.Sprintf("worker-%d", i+1), chain)
	}
	return p
}

// Start runs every worker until ctx is done or jobs is closed
func (p *Pool) Start(ctx context.Context, jobs <-chan string) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(ctx, jobs)
		}(w)
	}
}

// Wait blocks until every worker has stopped
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Busy returns the jobs currently being processed
func (p *Pool) Busy() []string {
	var ids []string
	for _, w := range p.workers {
		if id := w.Current(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
