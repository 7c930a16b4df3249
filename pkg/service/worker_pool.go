package service

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolFull is returned by TrySubmit when every worker is busy.
var ErrPoolFull = errors.New("worker pool is full")

// ErrPoolStopped is returned by TrySubmit after Stop.
var ErrPoolStopped = errors.New("worker pool is stopped")

// Job is one unit of work run by the pool.
type Job func()

// WorkerPool runs jobs on a fixed number of goroutines. Submission never
// waits: a job is either accepted against free capacity or rejected.
type WorkerPool struct {
	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	busy    atomic.Int64
	size    int
	logger  Logger
	metrics Metrics
}

func NewWorkerPool(logger Logger, metrics Metrics) *WorkerPool {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &WorkerPool{
		logger:  orNop(logger),
		metrics: metrics,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.size = workers
	// Every queued job holds a reservation, so a send never blocks.
	wp.jobs = make(chan Job, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// TrySubmit hands job to the pool without blocking. It succeeds whenever
// fewer than Size jobs are running or waiting for a worker.
func (wp *WorkerPool) TrySubmit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped || wp.jobs == nil {
		return ErrPoolStopped
	}
	n, ok := wp.reserve()
	if !ok {
		return ErrPoolFull
	}
	wp.metrics.WorkersBusy(n)
	wp.jobs <- job
	return nil
}

// reserve claims one slot of capacity and returns the new busy count.
func (wp *WorkerPool) reserve() (int, bool) {
	for {
		n := wp.busy.Load()
		if n >= int64(wp.size) {
			return int(n), false
		}
		if wp.busy.CompareAndSwap(n, n+1) {
			return int(n + 1), true
		}
	}
}

// Stop stops accepting jobs and waits for running ones to return.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped || wp.jobs == nil {
		wp.stopped = true
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
}

// Busy returns the number of accepted jobs that have not finished yet.
func (wp *WorkerPool) Busy() int {
	return int(wp.busy.Load())
}

func (wp *WorkerPool) Size() int {
	return wp.size
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Worker recovered from panic: %v", r)
		}
		wp.metrics.WorkersBusy(int(wp.busy.Add(-1)))
	}()
	job()
}
