package reduce

import "sync"

// BoundedPool dispatches reduction tasks across a fixed number of workers,
// standing in for the push_task/wait_for_completion bounded thread pool that
// Ricom::line_processor hands each line's icom_group_classical call to when
// n_threads > 1. No bounded-thread-pool source file was among the retrieved
// examples, so this is expressed as a buffered-channel worker pool, the
// idiomatic Go shape for the same bound-concurrency/wait-for-drain contract.
type BoundedPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	done  chan struct{}
}

// NewBoundedPool starts n workers, each pulling from a shared task queue.
// n <= 1 is treated as "run inline" by callers rather than by the pool
// itself, mirroring Ricom::line_processor's own n_threads > 1 branch.
func NewBoundedPool(n int) *BoundedPool {
	if n < 1 {
		n = 1
	}
	p := &BoundedPool{
		tasks: make(chan func(), n*4),
		done:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *BoundedPool) worker() {
	for {
		select {
		case fn, ok := <-p.tasks:
			if !ok {
				return
			}
			fn()
			p.wg.Done()
		case <-p.done:
			return
		}
	}
}

// Submit enqueues fn for execution by one of the pool's workers.
func (p *BoundedPool) Submit(fn func()) {
	p.wg.Add(1)
	p.tasks <- fn
}

// WaitForCompletion blocks until every submitted task has run, mirroring
// BoundedThreadPool::wait_for_completion().
func (p *BoundedPool) WaitForCompletion() {
	p.wg.Wait()
}

// Close stops every worker. Call after WaitForCompletion at run end.
func (p *BoundedPool) Close() {
	p.once.Do(func() { close(p.done) })
}
