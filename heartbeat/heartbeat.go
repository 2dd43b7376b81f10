package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardnew/cdcecho/pkg"
	"github.com/ardnew/cdcecho/sched"
)

// DefaultHalfPeriod is the default time the output stays at each level.
const DefaultHalfPeriod = time.Second

// Output is a two-level output signal such as a status LED pin.
type Output interface {
	SetHigh()
	SetLow()
}

// Timer suspends the caller for a duration.
type Timer interface {
	Delay(ctx context.Context, d time.Duration) error
}

// Task toggles an output between high and low on a fixed half period,
// independently of everything else.
type Task struct {
	out        Output
	timer      Timer
	halfPeriod time.Duration
	toggles    atomic.Uint64
}

// New creates a heartbeat task.
func New(out Output, timer Timer, halfPeriod time.Duration) (*Task, error) {
	if out == nil || timer == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if halfPeriod <= 0 {
		return nil, fmt.Errorf("half period %v: %w", halfPeriod, pkg.ErrInvalidParameter)
	}
	return &Task{out: out, timer: timer, halfPeriod: halfPeriod}, nil
}

// Run toggles the output until ctx ends.
func (t *Task) Run(ctx context.Context) error {
	pkg.LogDebug(pkg.ComponentHeartbeat, "heartbeat started", "halfPeriod", t.halfPeriod)
	for {
		t.out.SetHigh()
		t.toggles.Add(1)
		if err := t.timer.Delay(ctx, t.halfPeriod); err != nil {
			return err
		}

		t.out.SetLow()
		t.toggles.Add(1)
		if err := t.timer.Delay(ctx, t.halfPeriod); err != nil {
			return err
		}
	}
}

// Toggles returns the number of level changes so far.
func (t *Task) Toggles() uint64 {
	return t.toggles.Load()
}

// HalfPeriod returns the configured half period.
func (t *Task) HalfPeriod() time.Duration {
	return t.halfPeriod
}

// SleepTimer is a Timer backed by the system clock. The delay is a
// scheduler suspension point.
type SleepTimer struct{}

// Delay implements Timer.
func (SleepTimer) Delay(ctx context.Context, d time.Duration) error {
	return sched.Suspend(ctx, func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Level is the state of an output signal.
type Level uint32

// Output levels.
const (
	Low Level = iota
	High
)

// String returns "high" or "low".
func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// LogOutput is a virtual status LED. It remembers its level and logs every
// change at debug level.
type LogOutput struct {
	Name  string
	level atomic.Uint32
}

// SetHigh implements Output.
func (o *LogOutput) SetHigh() {
	o.set(High)
}

// SetLow implements Output.
func (o *LogOutput) SetLow() {
	o.set(Low)
}

func (o *LogOutput) set(l Level) {
	o.level.Store(uint32(l))
	pkg.LogDebug(pkg.ComponentHeartbeat, "led", "name", o.Name, "level", l)
}

// Level returns the current level.
func (o *LogOutput) Level() Level {
	return Level(o.level.Load())
}
