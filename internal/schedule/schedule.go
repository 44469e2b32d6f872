// Package schedule runs named background tasks on timers: the 24 hour
// permission auto revoke, the nightly history dedup, and the weekly approval
// digest. It is deliberately small; tasks that must survive a process
// restart are re-armed from persisted state at startup.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task is a unit of background work. Errors are reported to the runner's
// error hook; the runner itself never stops on task failure.
type Task func(ctx context.Context) error

// Runner owns the timers behind deferred and periodic tasks. Scheduling the
// same name again replaces the pending timer, so re-arming is idempotent.
type Runner struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timers  map[string]*time.Timer
	tickers map[string]chan struct{}
	onError func(name string, err error)
	closed  bool
}

// NewRunner constructs a Runner. onError may be nil.
func NewRunner(onError func(name string, err error)) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
		tickers: make(map[string]chan struct{}),
		onError: onError,
	}
}

// After runs task once after d. A pending task with the same name is
// replaced.
func (r *Runner) After(name string, d time.Duration, task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.timers[name]; ok {
		if prev.Stop() {
			r.wg.Done()
		}
	}
	r.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer r.wg.Done()
		r.mu.Lock()
		if r.timers[name] == t {
			delete(r.timers, name)
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.run(name, task)
	})
	r.timers[name] = t
}

// Every runs task repeatedly; the first run happens one interval from now.
// A periodic task with the same name is replaced.
func (r *Runner) Every(name string, interval time.Duration, task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.tickers[name]; ok {
		close(prev)
	}
	stop := make(chan struct{})
	r.tickers[name] = stop
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.run(name, task)
			}
		}
	}()
}

func (r *Runner) run(name string, task Task) {
	if err := task(r.ctx); err != nil && r.onError != nil {
		r.onError(name, err)
	}
}

// Close stops all timers and waits for in-flight tasks to return.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for name, timer := range r.timers {
		if timer.Stop() {
			r.wg.Done()
		}
		delete(r.timers, name)
	}
	for name, stop := range r.tickers {
		close(stop)
		delete(r.tickers, name)
	}
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}
