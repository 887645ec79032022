// Package workers implements the typed background worker pools of
// spec.md §5 ("Worker threads are drawn from typed pools (NORMAL,
// MEMTABLE); each background task runs to completion"), adapted from
// the teacher's WorkerPool (container/list waiting queue, lazily grown
// worker goroutines, idle-timeout shrink) generalized to the named
// pool classes config.BGPool enumerates instead of a single anonymous
// pool.
package workers

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

var idleTimeout = 2 * time.Second

// Pool is a bounded goroutine pool: tasks submitted beyond maxWorkers
// queue until a worker frees up, and idle workers past idleTimeout are
// torn down (spec.md §5, "each background task runs to completion").
type Pool struct {
	maxWorkers int

	taskQueue   chan func()
	workerQueue chan func()
	stoppedChan chan struct{}
	stopSignal  chan struct{}

	waitingQueue list.List
	stopLock     sync.Mutex
	stopOnce     sync.Once
	stopped      bool
	waiting      int32
	wait         bool
}

// New creates a pool with up to maxWorkers concurrent goroutines.
func New(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{
		maxWorkers:  maxWorkers,
		taskQueue:   make(chan func()),
		workerQueue: make(chan func()),
		stopSignal:  make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit enqueues task to run on the next free worker.
func (p *Pool) Submit(task func()) {
	if task != nil {
		p.taskQueue <- task
	}
}

// SubmitWait enqueues task and blocks until it has run.
func (p *Pool) SubmitWait(task func()) {
	if task == nil {
		return
	}
	done := make(chan struct{})
	p.taskQueue <- func() {
		task()
		close(done)
	}
	<-done
}

// Stop lets running tasks finish, discards tasks still waiting in the
// queue, and tears the pool down.
func (p *Pool) Stop() {
	p.stop(false)
}

// StopWait runs every already-queued task before tearing the pool
// down.
func (p *Pool) StopWait() {
	p.stop(true)
}

func (p *Pool) stop(wait bool) {
	p.stopOnce.Do(func() {
		close(p.stopSignal)
		p.stopLock.Lock()
		p.stopped = true
		p.stopLock.Unlock()
		p.wait = wait
		close(p.taskQueue)
	})
	<-p.stoppedChan
}

func (p *Pool) dispatch() {
	defer close(p.stoppedChan)
	timeout := time.NewTimer(idleTimeout)
	var workerCount int
	var idle bool
	var wg sync.WaitGroup

Loop:
	for {
		if p.waitingQueue.Len() != 0 {
			if !p.processWaitingQueue() {
				break Loop
			}
			continue
		}

		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				break Loop
			}
			select {
			case p.workerQueue <- task:
			default:
				if workerCount < p.maxWorkers {
					wg.Add(1)
					go worker(task, p.workerQueue, &wg)
					workerCount++
				} else {
					p.waitingQueue.PushBack(task)
					atomic.StoreInt32(&p.waiting, int32(p.waitingQueue.Len()))
				}
			}
			idle = false
		case <-timeout.C:
			if idle && workerCount > 0 {
				if p.killIdleWorker() {
					workerCount--
				}
			}
			idle = true
			timeout.Reset(idleTimeout)
		}
	}
	if p.wait {
		p.runQueuedTasks()
	}
	for workerCount > 0 {
		p.workerQueue <- nil
		workerCount--
	}
	wg.Wait()
	timeout.Stop()
}

func worker(task func(), workerQueue chan func(), wg *sync.WaitGroup) {
	for task != nil {
		task()
		task = <-workerQueue
	}
	wg.Done()
}

func (p *Pool) killIdleWorker() bool {
	select {
	case p.workerQueue <- nil:
		return true
	default:
		return false
	}
}

func (p *Pool) processWaitingQueue() bool {
	select {
	case task, ok := <-p.taskQueue:
		if !ok {
			return false
		}
		p.waitingQueue.PushBack(task)
	case p.workerQueue <- p.waitingQueue.Front().Value.(func()):
		front := p.waitingQueue.Front()
		p.waitingQueue.Remove(front)
	}
	atomic.StoreInt32(&p.waiting, int32(p.waitingQueue.Len()))
	return true
}

func (p *Pool) runQueuedTasks() {
	for p.waitingQueue.Len() != 0 {
		front := p.waitingQueue.Front()
		p.workerQueue <- p.waitingQueue.Remove(front).(func())
		atomic.StoreInt32(&p.waiting, int32(p.waitingQueue.Len()))
	}
}
