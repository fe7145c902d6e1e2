// Package task runs work off the caller's goroutine with a cooperative
// stop flag and an explicit join.
//
// A Task never outlives its owner: whoever starts one is responsible
// for calling Wait (directly, or through Group.WaitAll) before
// releasing anything the task touches.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a handle on one background goroutine.
type Task struct {
	name string
	stop atomic.Bool
	done chan struct{}
	err  error // written once, before done is closed
}

// Go starts fn on a new goroutine.  fn should check t.Stopping between
// units of work and return promptly once it is set.
func Go(name string, fn func(t *Task) error) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn(t)
	}()
	return t
}

// Name returns the name the task was started with.
func (t *Task) Name() string { return t.name }

// Stop asks the task to finish.  It does not wait.
func (t *Task) Stop() { t.stop.Store(true) }

// Stopping reports whether Stop has been called.
func (t *Task) Stopping() bool { return t.stop.Load() }

// Alive reports whether the goroutine is still running.
func (t *Task) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the goroutine returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait joins the task and returns fn's error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// WaitTimeout joins the task for at most d.  It reports false if the
// task was still running.
func (t *Task) WaitTimeout(d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true, t.err
	case <-timer.C:
		return false, nil
	}
}

// ── Futures ──────────────────────────────────────────────────────────

// Future is a task that produces one value.  The value is written once
// by the task and read only after the task has finished.
type Future[T any] struct {
	*Task
	value T
}

// Run starts fn in the background and returns its future.
func Run[T any](name string, fn func(t *Task) (T, error)) *Future[T] {
	f := &Future[T]{}
	f.Task = Go(name, func(t *Task) error {
		v, err := fn(t)
		f.value = v
		return err
	})
	return f
}

// Result joins the task and returns its value.
func (f *Future[T]) Result() (T, error) {
	err := f.Wait()
	return f.value, err
}

// SpinnerFrames are the frames Poll cycles through.
const SpinnerFrames = `/-\|`

// Poll calls tick with the next spinner frame every interval while the
// task is alive, then returns the result.  If ctx ends first, Poll
// stops the task and returns ctx's error without reading the value.
func (f *Future[T]) Poll(ctx context.Context, interval time.Duration, tick func(frame string)) (T, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if tick != nil {
			tick(string(SpinnerFrames[i%len(SpinnerFrames)]))
		}
		select {
		case <-f.Done():
			return f.Result()
		case <-ctx.Done():
			f.Stop()
			var zero T
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ── Groups ───────────────────────────────────────────────────────────

// Group tracks tasks so they can be stopped and joined together.
type Group struct {
	mu    sync.Mutex
	tasks []*Task
}

// Go starts a task and adds it to the group.
func (g *Group) Go(name string, fn func(t *Task) error) *Task {
	t := Go(name, fn)
	g.Add(t)
	return t
}

// Add tracks a task started elsewhere.
func (g *Group) Add(t *Task) {
	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()
}

// Alive returns the tasks still running.
func (g *Group) Alive() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, t := range g.tasks {
		if t.Alive() {
			out = append(out, t)
		}
	}
	return out
}

// StopAll signals every task.
func (g *Group) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		t.Stop()
	}
}

// WaitAll joins every task and forgets them.  It returns false if any
// task was still running when ctx ended.
func (g *Group) WaitAll(ctx context.Context) bool {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = nil
	g.mu.Unlock()

	for i, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			g.mu.Lock()
			g.tasks = append(tasks[i:], g.tasks...)
			g.mu.Unlock()
			return false
		}
	}
	return true
}
