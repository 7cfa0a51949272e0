package realtime

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
)

// ErrPoolStopped is returned when work is submitted to a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped").WithCode("POOL_STOPPED")

// WorkerPool runs CPU-bound analysis work on a fixed set of goroutines so
// per-chunk processing is never blocked behind feature extraction.
type WorkerPool struct {
	logger      *logrus.Entry
	workerCount int

	// Task queue
	taskChan chan Task
	workers  []*Worker

	// Control
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	startMutex sync.RWMutex

	queueSize int

	stats *PoolStats
}

// Worker represents a single worker in the pool
type Worker struct {
	id       int
	pool     *WorkerPool
	taskChan <-chan Task
	quit     chan struct{}
	stats    *WorkerStats
}

// Task represents a unit of work executed by a worker
type Task struct {
	ID       string
	Function func() error
	Created  time.Time

	// done receives the task result when set
	done chan error
}

// PoolStats tracks worker pool statistics
type PoolStats struct {
	mutex           sync.RWMutex
	TotalTasks      int64     `json:"total_tasks"`
	CompletedTasks  int64     `json:"completed_tasks"`
	FailedTasks     int64     `json:"failed_tasks"`
	ActiveWorkers   int       `json:"active_workers"`
	QueueSize       int       `json:"queue_size"`
	QueueCapacity   int       `json:"queue_capacity"`
	AverageWaitTime int64     `json:"average_wait_time_ms"`
	AverageExecTime int64     `json:"average_exec_time_ms"`
	DroppedTasks    int64     `json:"dropped_tasks"`
	LastReset       time.Time `json:"last_reset"`
}

// WorkerStats tracks individual worker statistics
type WorkerStats struct {
	mutex         sync.RWMutex
	WorkerID      int       `json:"worker_id"`
	TasksExecuted int64     `json:"tasks_executed"`
	TasksFailed   int64     `json:"tasks_failed"`
	TotalExecTime int64     `json:"total_exec_time_ms"`
	LastTaskTime  time.Time `json:"last_task_time"`
	IsActive      bool      `json:"is_active"`
}

// NewWorkerPool creates a new worker pool. A non-positive count uses one
// worker per CPU.
func NewWorkerPool(workerCount, queueSize int, logger *logrus.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workerCount * 10
	}

	return &WorkerPool{
		logger:      logger.WithField("component", "worker_pool"),
		workerCount: workerCount,
		taskChan:    make(chan Task, queueSize),
		workers:     make([]*Worker, 0, workerCount),
		queueSize:   queueSize,
		stats: &PoolStats{
			QueueCapacity: queueSize,
			LastReset:     time.Now(),
		},
	}
}

// Start starts the worker goroutines
func (wp *WorkerPool) Start() error {
	wp.startMutex.Lock()
	defer wp.startMutex.Unlock()

	if wp.started {
		return nil
	}

	wp.ctx, wp.cancel = context.WithCancel(context.Background())
	wp.workers = wp.workers[:0]

	for i := 0; i < wp.workerCount; i++ {
		worker := &Worker{
			id:       i + 1,
			pool:     wp,
			taskChan: wp.taskChan,
			quit:     make(chan struct{}),
			stats: &WorkerStats{
				WorkerID: i + 1,
			},
		}

		wp.workers = append(wp.workers, worker)
		go worker.start(wp.ctx)
	}

	wp.started = true
	wp.logger.WithField("worker_count", wp.workerCount).Info("Worker pool started")

	return nil
}

// Stop stops all workers. Queued tasks that were not picked up are abandoned
// and their waiters observe ErrPoolStopped.
func (wp *WorkerPool) Stop() error {
	wp.startMutex.Lock()
	defer wp.startMutex.Unlock()

	if !wp.started {
		return nil
	}

	wp.cancel()
	for _, worker := range wp.workers {
		close(worker.quit)
	}

	wp.started = false
	wp.logger.Info("Worker pool stopped")

	return nil
}

// Submit queues fn without waiting for it. The task is dropped when the
// queue is full.
func (wp *WorkerPool) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	poolCtx, err := wp.ensureStarted()
	if err != nil {
		return false
	}

	task := Task{
		ID:       uuid.NewString(),
		Function: func() error { fn(); return nil },
		Created:  time.Now(),
	}

	select {
	case wp.taskChan <- task:
		wp.recordQueued()
		return true
	case <-poolCtx.Done():
		return false
	default:
		wp.stats.mutex.Lock()
		wp.stats.DroppedTasks++
		wp.stats.mutex.Unlock()
		wp.logger.Warning("Worker pool queue full, dropping task")
		return false
	}
}

// Run executes fn on a pool worker and waits for its result. A panic in fn
// is returned as an error. If ctx ends first Run returns ctx.Err() and the
// result of fn, if it still runs, is discarded.
func (wp *WorkerPool) Run(ctx context.Context, fn func() error) error {
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	poolCtx, err := wp.ensureStarted()
	if err != nil {
		return err
	}

	task := Task{
		ID:       uuid.NewString(),
		Function: fn,
		Created:  time.Now(),
		done:     make(chan error, 1),
	}

	select {
	case wp.taskChan <- task:
		wp.recordQueued()
	case <-ctx.Done():
		return ctx.Err()
	case <-poolCtx.Done():
		return ErrPoolStopped
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-poolCtx.Done():
		return ErrPoolStopped
	}
}

func (wp *WorkerPool) ensureStarted() (context.Context, error) {
	wp.startMutex.RLock()
	started, ctx := wp.started, wp.ctx
	wp.startMutex.RUnlock()
	if started {
		return ctx, nil
	}

	if err := wp.Start(); err != nil {
		return nil, err
	}
	wp.startMutex.RLock()
	defer wp.startMutex.RUnlock()
	return wp.ctx, nil
}

func (wp *WorkerPool) recordQueued() {
	wp.stats.mutex.Lock()
	wp.stats.TotalTasks++
	wp.stats.QueueSize = len(wp.taskChan)
	wp.stats.mutex.Unlock()
}

func (w *Worker) start(ctx context.Context) {
	w.pool.logger.WithField("worker_id", w.id).Debug("Worker started")

	for {
		select {
		case task := <-w.taskChan:
			w.executeTask(task)
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// executeTask runs a single task, recovering panics into task errors
func (w *Worker) executeTask(task Task) {
	startTime := time.Now()
	waitTime := startTime.Sub(task.Created)

	w.stats.mutex.Lock()
	w.stats.IsActive = true
	w.stats.LastTaskTime = startTime
	w.stats.mutex.Unlock()

	w.pool.stats.mutex.Lock()
	w.pool.stats.ActiveWorkers++
	w.pool.stats.mutex.Unlock()

	err := w.invoke(task)
	execTime := time.Since(startTime)

	w.stats.mutex.Lock()
	w.stats.IsActive = false
	w.stats.TasksExecuted++
	w.stats.TotalExecTime += execTime.Milliseconds()
	if err != nil {
		w.stats.TasksFailed++
	}
	w.stats.mutex.Unlock()

	w.pool.stats.mutex.Lock()
	w.pool.stats.ActiveWorkers--
	w.pool.stats.CompletedTasks++
	if err != nil {
		w.pool.stats.FailedTasks++
	}
	w.pool.stats.QueueSize = len(w.pool.taskChan)
	n := w.pool.stats.CompletedTasks
	w.pool.stats.AverageWaitTime = (w.pool.stats.AverageWaitTime*(n-1) + waitTime.Milliseconds()) / n
	w.pool.stats.AverageExecTime = (w.pool.stats.AverageExecTime*(n-1) + execTime.Milliseconds()) / n
	w.pool.stats.mutex.Unlock()

	if task.done != nil {
		task.done <- err
	}
}

func (w *Worker) invoke(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.WithFields(logrus.Fields{
				"worker_id": w.id,
				"task_id":   task.ID,
				"panic":     r,
			}).Error("Task execution panic")
			err = errors.NewInternalError(fmt.Sprintf("worker task panic: %v", r))
		}
	}()
	return task.Function()
}

// GetStats returns a copy of the pool statistics
func (wp *WorkerPool) GetStats() *PoolStats {
	wp.stats.mutex.RLock()
	defer wp.stats.mutex.RUnlock()

	return &PoolStats{
		TotalTasks:      wp.stats.TotalTasks,
		CompletedTasks:  wp.stats.CompletedTasks,
		FailedTasks:     wp.stats.FailedTasks,
		ActiveWorkers:   wp.stats.ActiveWorkers,
		QueueSize:       len(wp.taskChan),
		QueueCapacity:   wp.stats.QueueCapacity,
		AverageWaitTime: wp.stats.AverageWaitTime,
		AverageExecTime: wp.stats.AverageExecTime,
		DroppedTasks:    wp.stats.DroppedTasks,
		LastReset:       wp.stats.LastReset,
	}
}

// GetWorkerStats returns statistics for all workers
func (wp *WorkerPool) GetWorkerStats() []*WorkerStats {
	wp.startMutex.RLock()
	defer wp.startMutex.RUnlock()

	stats := make([]*WorkerStats, 0, len(wp.workers))
	for _, worker := range wp.workers {
		worker.stats.mutex.RLock()
		stats = append(stats, &WorkerStats{
			WorkerID:      worker.stats.WorkerID,
			TasksExecuted: worker.stats.TasksExecuted,
			TasksFailed:   worker.stats.TasksFailed,
			TotalExecTime: worker.stats.TotalExecTime,
			LastTaskTime:  worker.stats.LastTaskTime,
			IsActive:      worker.stats.IsActive,
		})
		worker.stats.mutex.RUnlock()
	}
	return stats
}

// IsStarted returns whether the pool is started
func (wp *WorkerPool) IsStarted() bool {
	wp.startMutex.RLock()
	defer wp.startMutex.RUnlock()
	return wp.started
}

// WorkerCount returns the number of workers
func (wp *WorkerPool) WorkerCount() int {
	return wp.workerCount
}

// RunOn executes fn on pool, or inline when pool is nil. Inline execution
// still observes ctx before starting.
func RunOn(ctx context.Context, pool *WorkerPool, fn func() error) error {
	if pool == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	}
	return pool.Run(ctx, fn)
}
