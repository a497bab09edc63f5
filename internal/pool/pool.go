// Package pool implements a prioritized, bounded, timeout-enforcing job
// pool, grounded on a worker/executeTask timeout+panic-recovery pattern
// with latency-tracking metrics and a Submit/Stop shutdown shape,
// generalized from a single FIFO channel to three priority FIFOs with a
// round-robin-with-bias dequeuer.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-desktop/trading-core/pkg/clock"
	"github.com/atlas-desktop/trading-core/pkg/logging"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Errors returned by submission.
var (
	ErrNotRunning                = errors.New("pool: NotRunning")
	ErrProcessingFunctionMissing = errors.New("pool: ProcessingFunctionMissing")
	ErrQueueFull                 = errors.New("pool: QueueFull")
)

// ProcessFunc is the user-supplied per-job analysis function; this module
// never implements strategy math itself, only the scheduling around it.
type ProcessFunc func(ctx context.Context, job types.Job) (interface{}, error)

// Config configures the pool.
type Config struct {
	Name              string
	WorkerPoolSize    int
	QueueSize         int
	DefaultTimeoutMs  int64
	ShutdownTimeout   time.Duration
	// AntiStarvationN forces one LOW dequeue after this many consecutive
	// HIGH dequeues. A reasonable default is WorkerPoolSize*4.
	AntiStarvationN int
}

// DefaultConfig returns the pool's default configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		WorkerPoolSize:   4,
		QueueSize:        100,
		DefaultTimeoutMs: 5000,
		ShutdownTimeout:  10 * time.Second,
		AntiStarvationN:  16,
	}
}

// Stats is the pool's getStats surface.
type Stats struct {
	TotalJobs         int64
	SuccessfulJobs    int64
	FailedJobs        int64
	SuccessRate       float64
	MinProcessingTime time.Duration
	MaxProcessingTime time.Duration
	AvgProcessingTime time.Duration
}

type queuedJob struct {
	job      types.Job
	resultCh chan types.JobResult
}

// Pool is the prioritized strategy-processing worker pool.
type Pool struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	mu       sync.Mutex
	high     *list.List
	normal   *list.List
	low      *list.List
	notEmpty *sync.Cond
	queueLen int

	fn ProcessFunc

	running    bool
	shutdown   bool
	startedAt  time.Time
	workerWG   sync.WaitGroup
	stopCh     chan struct{}
	activeJobs sync.WaitGroup

	statsMu           sync.Mutex
	totalJobs         int64
	successfulJobs    int64
	failedJobs        int64
	sumProcessingTime time.Duration
	minProcessingTime time.Duration
	maxProcessingTime time.Duration

	completedMu sync.Mutex
	completed   []types.JobResult
	failed      []types.JobResult
}

// New constructs a Pool. Call SetProcessingFunction then Start before
// submitting jobs.
func New(cfg Config, c clock.Clock, logger logging.Logger) *Pool {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pool{
		cfg:    cfg,
		clock:  c,
		logger: logger,
		high:   list.New(),
		normal: list.New(),
		low:    list.New(),
		stopCh: make(chan struct{}),
	}
	p.notEmpty = sync.NewCond(&p.mu)
	return p
}

// SetProcessingFunction installs fn. Must be called before any submission.
func (p *Pool) SetProcessingFunction(fn ProcessFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
}

// Start enables submission; idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.startedAt = p.clock.Now()
	n := p.cfg.WorkerPoolSize
	p.mu.Unlock()

	p.logger.Info("starting strategy processing pool",
		logging.String("name", p.cfg.Name),
		logging.Int("workers", n),
		logging.Int("queue_size", p.cfg.QueueSize),
	)

	for i := 0; i < n; i++ {
		p.workerWG.Add(1)
		go p.runWorker(i)
	}
}

// SubmitJob enqueues job and blocks until it completes or the pool rejects
// it outright.
func (p *Pool) SubmitJob(job types.Job) (types.JobResult, error) {
	p.mu.Lock()
	if !p.running || p.shutdown {
		p.mu.Unlock()
		return types.JobResult{}, ErrNotRunning
	}
	if p.fn == nil {
		p.mu.Unlock()
		return types.JobResult{}, ErrProcessingFunctionMissing
	}
	if p.queueLen >= p.cfg.QueueSize {
		p.mu.Unlock()
		return types.JobResult{}, ErrQueueFull
	}

	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	qj := &queuedJob{job: job, resultCh: make(chan types.JobResult, 1)}
	p.enqueueLocked(qj)
	p.queueLen++
	p.notEmpty.Signal()
	p.mu.Unlock()

	result := <-qj.resultCh
	return result, nil
}

// SubmitBatch enqueues every job independently; a per-job failure never
// rejects the batch as a whole.
func (p *Pool) SubmitBatch(jobs []types.Job) []types.JobResult {
	results := make([]types.JobResult, len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, job := range jobs {
		i, job := i, job
		go func() {
			defer wg.Done()
			res, err := p.SubmitJob(job)
			if err != nil {
				res = types.JobResult{
					JobID:      job.JobID,
					StrategyID: job.StrategyID,
					Success:    false,
					Error:      err.Error(),
				}
			}
			results[i] = res
		}()
	}
	wg.Wait()
	return results
}

// WaitForAll blocks until all currently-active jobs finish.
func (p *Pool) WaitForAll() {
	p.activeJobs.Wait()
}

func (p *Pool) enqueueLocked(qj *queuedJob) {
	switch qj.job.Priority {
	case types.PriorityHigh:
		p.high.PushBack(qj)
	case types.PriorityLow:
		p.low.PushBack(qj)
	default:
		p.normal.PushBack(qj)
	}
}

// dequeueLocked implements the round-robin-with-bias scheduler:
// HIGH before NORMAL before LOW on dequeue, but at least one LOW job is
// dequeued per AntiStarvationN consecutive HIGH dequeues.
func (p *Pool) dequeueLocked(highStreak *int) *queuedJob {
	if p.high.Len() > 0 {
		if *highStreak >= p.cfg.AntiStarvationN && p.low.Len() > 0 {
			*highStreak = 0
			return popFront(p.low)
		}
		*highStreak++
		return popFront(p.high)
	}
	*highStreak = 0
	if p.normal.Len() > 0 {
		return popFront(p.normal)
	}
	if p.low.Len() > 0 {
		return popFront(p.low)
	}
	return nil
}

func popFront(l *list.List) *queuedJob {
	e := l.Front()
	if e == nil {
		return nil
	}
	l.Remove(e)
	return e.Value.(*queuedJob)
}

func (p *Pool) runWorker(id int) {
	defer p.workerWG.Done()
	highStreak := 0

	for {
		p.mu.Lock()
		for p.high.Len() == 0 && p.normal.Len() == 0 && p.low.Len() == 0 && !p.shutdown {
			p.notEmpty.Wait()
		}
		if p.shutdown && p.high.Len() == 0 && p.normal.Len() == 0 && p.low.Len() == 0 {
			p.mu.Unlock()
			return
		}
		qj := p.dequeueLocked(&highStreak)
		if qj != nil {
			p.queueLen--
		}
		p.mu.Unlock()

		if qj == nil {
			continue
		}

		p.activeJobs.Add(1)
		p.executeJob(qj)
		p.activeJobs.Done()
	}
}

func (p *Pool) executeJob(qj *queuedJob) {
	job := qj.job
	timeoutMs := job.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.cfg.DefaultTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	startedAt := p.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan types.JobResult, 1)
	go func() {
		res := p.runFn(ctx, job, startedAt)
		done <- res
	}()

	select {
	case res := <-done:
		p.recordCompletion(res)
		qj.resultCh <- res
	case <-ctx.Done():
		completedAt := p.clock.Now()
		res := types.JobResult{
			JobID:          job.JobID,
			StrategyID:     job.StrategyID,
			Success:        false,
			Error:          fmt.Sprintf("job %s timeout after %s", job.JobID, timeout),
			ProcessingTime: completedAt.Sub(startedAt),
			StartedAt:      startedAt,
			CompletedAt:    completedAt,
		}
		p.recordCompletion(res)
		qj.resultCh <- res
	}
}

func (p *Pool) runFn(ctx context.Context, job types.Job, startedAt time.Time) (result types.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			completedAt := p.clock.Now()
			result = types.JobResult{
				JobID:          job.JobID,
				StrategyID:     job.StrategyID,
				Success:        false,
				Error:          fmt.Sprintf("panic: %v", r),
				StackTrace:     string(debug.Stack()),
				ProcessingTime: completedAt.Sub(startedAt),
				StartedAt:      startedAt,
				CompletedAt:    completedAt,
			}
		}
	}()

	out, err := p.fn(ctx, job)
	completedAt := p.clock.Now()
	if err != nil {
		return types.JobResult{
			JobID:          job.JobID,
			StrategyID:     job.StrategyID,
			Success:        false,
			Error:          err.Error(),
			ProcessingTime: completedAt.Sub(startedAt),
			StartedAt:      startedAt,
			CompletedAt:    completedAt,
		}
	}
	return types.JobResult{
		JobID:          job.JobID,
		StrategyID:     job.StrategyID,
		Success:        true,
		Result:         out,
		ProcessingTime: completedAt.Sub(startedAt),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}
}

func (p *Pool) recordCompletion(res types.JobResult) {
	p.statsMu.Lock()
	p.totalJobs++
	if res.Success {
		p.successfulJobs++
	} else {
		p.failedJobs++
	}
	if p.minProcessingTime == 0 || res.ProcessingTime < p.minProcessingTime {
		p.minProcessingTime = res.ProcessingTime
	}
	if res.ProcessingTime > p.maxProcessingTime {
		p.maxProcessingTime = res.ProcessingTime
	}
	p.sumProcessingTime += res.ProcessingTime
	p.statsMu.Unlock()

	p.completedMu.Lock()
	p.completed = append(p.completed, res)
	if !res.Success {
		p.failed = append(p.failed, res)
	}
	p.completedMu.Unlock()

	if !res.Success {
		p.logger.Debug("job failed", logging.String("job_id", res.JobID), logging.String("error", res.Error))
	}
}

// GetStats returns an independent copy of current metrics.
func (p *Pool) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := Stats{
		TotalJobs:         p.totalJobs,
		SuccessfulJobs:    p.successfulJobs,
		FailedJobs:        p.failedJobs,
		MinProcessingTime: p.minProcessingTime,
		MaxProcessingTime: p.maxProcessingTime,
	}
	if p.totalJobs > 0 {
		s.SuccessRate = float64(p.successfulJobs) / float64(p.totalJobs)
		s.AvgProcessingTime = p.sumProcessingTime / time.Duration(p.totalJobs)
	}
	return s
}

// GetStatus reports whether the pool is accepting submissions.
func (p *Pool) GetStatus() (running bool, queueLength int, startedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.shutdown, p.queueLen, p.startedAt
}

// GetWorkerHealth reports whether all configured workers are alive. Since
// workers never exit except on Shutdown, this is simply "running".
func (p *Pool) GetWorkerHealth() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.shutdown
}

// GetCompletedJobs returns a copy of all completed job results observed so
// far.
func (p *Pool) GetCompletedJobs() []types.JobResult {
	p.completedMu.Lock()
	defer p.completedMu.Unlock()
	out := make([]types.JobResult, len(p.completed))
	copy(out, p.completed)
	return out
}

// GetFailedJobs returns a copy of failed job results observed so far.
func (p *Pool) GetFailedJobs() []types.JobResult {
	p.completedMu.Lock()
	defer p.completedMu.Unlock()
	out := make([]types.JobResult, len(p.failed))
	copy(out, p.failed)
	return out
}

// ClearQueue discards all pending (not yet dequeued) jobs, failing their
// waiters with an unsuccessful result whose Error is "queue cleared".
func (p *Pool) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range []*list.List{p.high, p.normal, p.low} {
		for e := l.Front(); e != nil; e = e.Next() {
			qj := e.Value.(*queuedJob)
			qj.resultCh <- types.JobResult{
				JobID:      qj.job.JobID,
				StrategyID: qj.job.StrategyID,
				Success:    false,
				Error:      "queue cleared",
			}
		}
		l.Init()
	}
	p.queueLen = 0
}

// Shutdown drains active jobs, clears the queue, and disallows new
// submissions.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.notEmpty.Broadcast()
	p.mu.Unlock()

	p.ClearQueue()

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("strategy processing pool stopped", logging.String("name", p.cfg.Name))
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("strategy processing pool shutdown timed out", logging.String("name", p.cfg.Name))
	}
}

// QueueLength returns the current number of queued (not yet dequeued) jobs.
func (p *Pool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueLen
}
