package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/cdcecho/pkg"
)

// ErrNoTasks is returned by Run when no task was registered.
var ErrNoTasks = errors.New("no tasks registered")

// Func is the body of a cooperative task. It runs holding the scheduler
// baton and gives it up only inside Suspend.
type Func func(ctx context.Context) error

// TaskStats reports scheduling counters for one task.
type TaskStats struct {
	Name    string
	Resumes uint64 // Number of times the task acquired the baton
}

// Scheduler runs a fixed set of tasks so that exactly one of them executes
// at any instant. Tasks switch only at suspension points.
type Scheduler struct {
	baton chan struct{} // Holds a token while some task is running

	mutex   sync.Mutex
	tasks   []*task
	running bool
}

type task struct {
	name    string
	fn      Func
	sched   *Scheduler
	held    bool // Accessed only by the task's own goroutine
	resumes atomic.Uint64
}

type taskKey struct{}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		baton: make(chan struct{}, 1),
	}
}

// Go registers a task. Tasks must be registered before Run.
func (s *Scheduler) Go(name string, fn Func) error {
	if fn == nil {
		return pkg.ErrInvalidParameter
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return pkg.ErrAlreadyRunning
	}
	s.tasks = append(s.tasks, &task{name: name, fn: fn, sched: s})
	return nil
}

// Run starts every registered task and blocks until all of them have
// returned. The first task to return a non-nil error cancels the context
// passed to the others, and that error is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	if len(s.tasks) == 0 {
		s.mutex.Unlock()
		return ErrNoTasks
	}
	s.running = true
	tasks := append([]*task(nil), s.tasks...)
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		s.running = false
		s.mutex.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			return t.run(gctx)
		})
	}

	pkg.LogDebug(pkg.ComponentSched, "scheduler started", "tasks", len(tasks))
	err := g.Wait()
	pkg.LogDebug(pkg.ComponentSched, "scheduler stopped", "error", err)
	return err
}

// Stats returns the scheduling counters of every registered task.
func (s *Scheduler) Stats() []TaskStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats := make([]TaskStats, len(s.tasks))
	for i, t := range s.tasks {
		stats[i] = TaskStats{Name: t.name, Resumes: t.resumes.Load()}
	}
	return stats
}

func (t *task) run(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	pkg.LogDebug(pkg.ComponentSched, "task started", "task", t.name)
	err := t.fn(context.WithValue(ctx, taskKey{}, t))
	pkg.LogDebug(pkg.ComponentSched, "task returned", "task", t.name, "error", err)
	return err
}

func (t *task) acquire(ctx context.Context) error {
	select {
	case t.sched.baton <- struct{}{}:
		t.held = true
		t.resumes.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) release() {
	if !t.held {
		return
	}
	t.held = false
	<-t.sched.baton
}

// Suspend is a suspension point. If ctx belongs to a task that currently
// holds the baton, the baton is released while wait runs and re-acquired
// afterwards, letting another task run in between. Outside a scheduler, or
// when already suspended, wait is simply called.
//
// If the context ends while re-acquiring, the context error is returned and
// the caller must return from its task without touching shared state.
func Suspend(ctx context.Context, wait func(ctx context.Context) error) error {
	t, ok := ctx.Value(taskKey{}).(*task)
	if !ok || !t.held {
		return wait(ctx)
	}

	t.release()
	err := wait(ctx)
	if aerr := t.acquire(ctx); aerr != nil && err == nil {
		err = aerr
	}
	return err
}

// Current returns the name of the task that ctx belongs to, or the empty
// string outside a scheduler.
func Current(ctx context.Context) string {
	if t, ok := ctx.Value(taskKey{}).(*task); ok {
		return t.name
	}
	return ""
}
