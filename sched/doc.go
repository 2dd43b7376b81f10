// Package sched provides a cooperative scheduler for firmware tasks.
//
// A [Scheduler] runs a fixed set of tasks, each on its own goroutine, but
// lets only one of them execute at a time. A single baton is passed between
// tasks; a task gives it up only at a suspension point, which is any call to
// [Suspend]. Everything a task does between two suspension points is
// therefore atomic with respect to the other tasks, and state owned by one
// task needs no locking.
//
// Blocking operations (waiting for a connection, a packet, or a timer) are
// written as ordinary context-aware functions and wrapped in [Suspend]:
//
//	err := sched.Suspend(ctx, func(ctx context.Context) error {
//	    select {
//	    case pkt = <-endpoint:
//	        return nil
//	    case <-ctx.Done():
//	        return ctx.Err()
//	    }
//	})
//
// Outside a scheduler Suspend just calls the function, so the same code runs
// unchanged in tests and tools.
package sched
