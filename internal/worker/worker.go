// ============================================================================
// Flush Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs entity flushes, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Flush (or retry) the entity through the Flusher, with timeout control
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   Each task gets its own Context. When Timeout is set the Context carries a
//   deadline; the queue stops before the next operation once it expires and
//   leaves the unexecuted operations queued.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

var log = slog.Default()

// Worker represents a flush execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging
	flusher  Flusher         // Queue the flushes run against
	parent   context.Context // Cancelled when the pool stops
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(id int, parent context.Context, flusher Flusher, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		flusher:  flusher,
		parent:   parent,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)

		select {
		case w.resultCh <- result:
		default:
			// result channel is full; the queue state still reflects the outcome
			log.Warn("Dropping flush result, result channel full",
				"worker", w.id,
				"key", result.Key,
				"success", result.Success)
		}
	}
}

// execute runs one flush with the task's timeout
func (w *Worker) execute(task Task) Result {
	start := time.Now()

	ctx, cancel := w.parent, func() {}
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.parent, task.Timeout)
	}
	defer cancel()

	var (
		results []types.OperationResult
		err     error
	)
	if task.Retry {
		results, err = w.flusher.RetryFailedOperations(ctx, task.Permanent)
	} else {
		results, err = w.flusher.Flush(ctx, task.Temp, task.Permanent)
	}

	result := Result{
		Key:      task.Permanent,
		Results:  results,
		Error:    err,
		Duration: time.Since(start),
	}
	result.Success = err == nil && result.Failed() == 0

	log.Debug("Flush task finished",
		"worker", w.id,
		"key", task.Permanent,
		"retry", task.Retry,
		"operations", len(results),
		"failed", result.Failed(),
		"duration", result.Duration,
		"error", err)
	return result
}
