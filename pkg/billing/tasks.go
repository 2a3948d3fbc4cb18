package billing

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// taskQueue serializes fire-and-forget requests so call logic never races
// its own side effects, and tests can observe them deterministically by
// draining the queue.
type taskQueue struct {
	tasks chan func(context.Context)

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newTaskQueue(size int) *taskQueue {
	q := &taskQueue{
		tasks: make(chan func(context.Context), size),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *taskQueue) submit(task func(context.Context)) {
	select {
	case <-q.done:
	case q.tasks <- task:
	default:
		log.Warn().Msg("billing task queue full, dropping task")
	}
}

func (q *taskQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			// drain what was already queued
			for {
				select {
				case task := <-q.tasks:
					task(context.Background())
				default:
					return
				}
			}
		case task := <-q.tasks:
			task(context.Background())
		}
	}
}

func (q *taskQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}
