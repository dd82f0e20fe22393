/******************************************************************************
 *
 *  Description :
 *    A very basic and naive implementation of thread pool.
 *
 *****************************************************************************/

// Package concurrency holds the goroutine pool used for bus-internal dispatch.
package concurrency

import (
	"context"
	"sync/atomic"
)

// Task represents a work task to be run on the specified thread pool.
type Task func()

// GoRoutinePool runs tasks on a bounded number of goroutines. Idle
// goroutines are reused for queued tasks.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob, closed on Stop.
	stop chan struct{}
	// Set once Stop is called.
	stopped atomic.Bool
}

// NewGoRoutinePool allocates a new thread pool with `numWorkers` goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}),
	}
}

// Schedule enqueues a closure to run on the GoRoutinePool's goroutines.
// It blocks while all goroutines are busy. Returns false if the pool is
// stopped or ctx is done before the task could be scheduled.
func (p *GoRoutinePool) Schedule(ctx context.Context, task Task) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	case <-p.stop:
		return false
	case <-ctx.Done():
		return false
	}
	return true
}

// TrySchedule is the non-blocking version of Schedule. Returns false if all
// goroutines are busy or the pool is stopped.
func (p *GoRoutinePool) TrySchedule(task Task) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	default:
		return false
	}
	return true
}

// Stop signals all goroutines to exit once their current task is done.
func (p *GoRoutinePool) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stop)
	}
}

// Thread pool worker goroutine.
func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
