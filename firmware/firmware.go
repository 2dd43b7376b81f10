package firmware

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/config"
	"github.com/ardnew/cdcecho/echo"
	"github.com/ardnew/cdcecho/heartbeat"
	"github.com/ardnew/cdcecho/pkg"
	"github.com/ardnew/cdcecho/sched"
)

// Task names as reported by the scheduler.
const (
	TaskUSB       = "usb"
	TaskEcho      = "echo"
	TaskHeartbeat = "heartbeat"
)

// Poller is the device poll task: it services the bus so that transfers
// on the serial function can complete.
type Poller interface {
	Run(ctx context.Context) error
}

// Components are the hardware-facing parts the firmware runs on.
type Components struct {
	Poller    Poller
	Transport echo.Transport
	Output    heartbeat.Output
	Timer     heartbeat.Timer
}

// Stats is a snapshot of the firmware counters.
type Stats struct {
	Echo    echo.Stats
	Toggles uint64
	Tasks   []sched.TaskStats
}

// Option configures a Firmware.
type Option func(*Firmware)

// WithHalt replaces the function Serve calls after a fatal error. The
// default exits the process with status 2.
func WithHalt(halt func(err error)) Option {
	return func(f *Firmware) {
		f.halt = halt
	}
}

// WithObserver registers an observer of echo task events.
func WithObserver(o echo.Observer) Option {
	return func(f *Firmware) {
		f.observer = o
	}
}

// Firmware runs the device poll, echo and heartbeat tasks under one
// cooperative scheduler.
type Firmware struct {
	components Components
	echo       *echo.Task
	heartbeat  *heartbeat.Task
	sched      *sched.Scheduler
	halt       func(err error)
	observer   echo.Observer
}

// NewACM builds the descriptors described by cfg and returns the serial
// function serving them.
func NewACM(cfg *config.Config) (*cdc.ACM, error) {
	desc, err := cdc.BuildDescriptors(cfg.Identity(), cfg.Layout())
	if err != nil {
		return nil, fmt.Errorf("build descriptors: %w", err)
	}
	return cdc.NewACM(desc), nil
}

// New creates the firmware. The status output is driven high immediately,
// before any task runs.
func New(c Components, cfg *config.Config, opts ...Option) (*Firmware, error) {
	if c.Poller == nil || c.Transport == nil || c.Output == nil || c.Timer == nil || cfg == nil {
		return nil, pkg.ErrInvalidParameter
	}

	f := &Firmware{
		components: c,
		sched:      sched.New(),
		halt:       func(error) { os.Exit(2) },
	}
	for _, opt := range opts {
		opt(f)
	}

	echoOpts := []echo.Option{
		echo.WithPacketSize(cfg.Buffers.Packet),
		echo.WithTrace(cfg.Diagnostics.Trace),
	}
	if f.observer != nil {
		echoOpts = append(echoOpts, echo.WithObserver(f.observer))
	}

	var err error
	if f.echo, err = echo.New(c.Transport, echoOpts...); err != nil {
		return nil, fmt.Errorf("echo task: %w", err)
	}
	if f.heartbeat, err = heartbeat.New(c.Output, c.Timer, cfg.Heartbeat.HalfPeriod); err != nil {
		return nil, fmt.Errorf("heartbeat task: %w", err)
	}

	if cfg.Buffers.Packet < cfg.Device.MaxPacketSize {
		pkg.LogWarn(pkg.ComponentFirmware, "packet buffer smaller than endpoint packet size",
			"buffer", cfg.Buffers.Packet, "maxPacketSize", cfg.Device.MaxPacketSize)
	}

	if err := f.sched.Go(TaskUSB, c.Poller.Run); err != nil {
		return nil, err
	}
	if err := f.sched.Go(TaskEcho, f.echo.Run); err != nil {
		return nil, err
	}
	if err := f.sched.Go(TaskHeartbeat, f.heartbeat.Run); err != nil {
		return nil, err
	}

	c.Output.SetHigh()
	return f, nil
}

// Run executes the three tasks. It returns only when ctx ends or a task
// fails; a fatal echo error is returned as *echo.FatalError.
func (f *Firmware) Run(ctx context.Context) error {
	pkg.LogInfo(pkg.ComponentFirmware, "firmware running",
		"packetSize", f.echo.PacketSize(), "halfPeriod", f.heartbeat.HalfPeriod())
	return f.sched.Run(ctx)
}

// Serve runs the firmware and never returns under correct operation. A
// task failure is logged and the halt function is called; Serve returns
// the error only if halt returns. When ctx ends, Serve returns its error.
func (f *Firmware) Serve(ctx context.Context) error {
	err := f.Run(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		pkg.LogInfo(pkg.ComponentFirmware, "firmware stopped", "reason", err)
		return err
	}

	var fatal *echo.FatalError
	if errors.As(err, &fatal) {
		pkg.LogError(pkg.ComponentFirmware, "fatal transport error", "op", fatal.Op, "error", fatal.Err)
	} else {
		pkg.LogError(pkg.ComponentFirmware, "task failed", "error", err)
	}
	f.halt(err)
	return err
}

// Echo returns the echo task.
func (f *Firmware) Echo() *echo.Task {
	return f.echo
}

// Heartbeat returns the heartbeat task.
func (f *Firmware) Heartbeat() *heartbeat.Task {
	return f.heartbeat
}

// Stats returns a snapshot of the firmware counters.
func (f *Firmware) Stats() Stats {
	return Stats{
		Echo:    f.echo.Stats(),
		Toggles: f.heartbeat.Toggles(),
		Tasks:   f.sched.Stats(),
	}
}
