package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lidarhub/pointserve/internal/monitoring"
)

// DefaultWorkers is the dispatcher pool size when none is configured.
const DefaultWorkers = 4

type task struct {
	work     func() error
	complete func(error)
}

type completion struct {
	fn  func(error)
	err error
}

// Dispatcher runs units of work on a fixed background worker pool and
// delivers each completion on a single dedicated goroutine, so
// completion handlers are serialized and never reentered. A failure
// inside a unit of work, panics included, is captured as an error and
// handed to the completion handler; it never terminates the process.
type Dispatcher struct {
	tasks       chan task
	completions chan completion

	workerWg sync.WaitGroup
	doneCh   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewDispatcher starts a dispatcher with the given pool size.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &Dispatcher{
		tasks:       make(chan task, 64),
		completions: make(chan completion, 64),
		doneCh:      make(chan struct{}),
	}

	d.workerWg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.workerWg.Done()
			for t := range d.tasks {
				d.completions <- completion{fn: t.complete, err: runTask(t.work)}
			}
		}()
	}

	go func() {
		defer close(d.doneCh)
		for c := range d.completions {
			if c.fn != nil {
				c.fn(c.err)
			}
		}
	}()

	return d
}

// Submit enqueues work for the pool; complete runs later on the
// completion goroutine with the work's error, nil on success. Submit
// fails only when the dispatcher has been stopped.
func (d *Dispatcher) Submit(work func() error, complete func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("dispatcher is stopped")
	}
	d.tasks <- task{work: work, complete: complete}
	return nil
}

// Stop drains queued tasks, delivers their completions, and joins all
// goroutines. Safe to call once; Submit fails afterwards.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.doneCh
		return
	}
	d.stopped = true
	close(d.tasks)
	d.mu.Unlock()

	d.workerWg.Wait()
	close(d.completions)
	<-d.doneCh
}

// runTask executes one unit of work, converting panics into classified
// errors so a background failure cannot take the process down.
func runTask(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			kind := KindUnknown
			if strings.Contains(msg, "out of memory") || strings.Contains(msg, "makeslice") {
				kind = KindAllocationFailure
			}
			err = errOf(kind, "background task panicked: %s", msg)
			monitoring.Logf("[Dispatcher] recovered panic in background task: %s", msg)
		}
	}()
	return work()
}
