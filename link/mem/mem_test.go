package mem

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/echo"
	"github.com/ardnew/cdcecho/link"
	"github.com/ardnew/cdcecho/pkg"
	"github.com/ardnew/cdcecho/sched"
)

type fixture struct {
	acm  *cdc.ACM
	bus  *Bus
	host link.Host
	echo *echo.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	desc, err := cdc.BuildDescriptors(cdc.DefaultIdentity, cdc.DefaultLayout)
	if err != nil {
		t.Fatalf("BuildDescriptors() error = %v", err)
	}
	acm := cdc.NewACM(desc)
	task, err := echo.New(acm)
	if err != nil {
		t.Fatalf("echo.New() error = %v", err)
	}
	bus := New(acm)
	return &fixture{acm: acm, bus: bus, host: bus.Host(), echo: task}
}

// start runs the bus and echo tasks under a scheduler until the test ends.
func (f *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	s := sched.New()
	if err := s.Go("usb", f.bus.Run); err != nil {
		t.Fatalf("Go(usb) error = %v", err)
	}
	if err := s.Go("echo", f.echo.Run); err != nil {
		t.Fatalf("Go(echo) error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("scheduler Run() error = %v, want %v", err, context.Canceled)
		}
	})
	return ctx
}

func TestBusRequiresRun(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.host.Attach(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Attach() without Run error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestBusAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	// The scheduler may not have started the bus yet.
	deadline := time.Now().Add(time.Second)
	for !f.bus.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := f.bus.Run(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want %v", err, pkg.ErrAlreadyRunning)
	}
}

func TestBusDetached(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	if err := f.host.Reset(ctx); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Reset() detached error = %v, want %v", err, pkg.ErrNoDevice)
	}
	if err := f.host.Send(ctx, []byte("x")); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Send() detached error = %v, want %v", err, pkg.ErrNoDevice)
	}
	if _, err := f.host.Control(ctx, cdc.SetConfiguration(1), nil, nil); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Control() detached error = %v, want %v", err, pkg.ErrNoDevice)
	}
}

func TestBusUnconfigured(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	if err := f.host.Attach(ctx); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := f.host.Send(ctx, []byte("x")); !errors.Is(err, pkg.ErrDisabled) {
		t.Errorf("Send() unconfigured error = %v, want %v", err, pkg.ErrDisabled)
	}
	_, err := f.host.Control(ctx, cdc.SetConfiguration(7), nil, nil)
	if !errors.Is(err, pkg.ErrStall) || !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("Control() bad configuration error = %v, want stall", err)
	}
	if f.bus.Stats().Stalls != 1 {
		t.Errorf("Stalls = %d, want 1", f.bus.Stats().Stalls)
	}
}

func TestBusEcho(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	if err := f.host.Attach(ctx); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	dev, err := link.Enumerate(ctx, f.host)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if dev.Info.VendorID != 0xc0de || dev.Product != "USB" || dev.SerialNumber != "12345678" {
		t.Errorf("Enumerate() = %+v", dev)
	}
	if !f.acm.DTR() || f.acm.LineCoding() != cdc.DefaultLineCoding {
		t.Errorf("DTR = %v, line coding = %v", f.acm.DTR(), f.acm.LineCoding())
	}

	msg := bytes.Repeat([]byte("0123456789abcdef"), 10)
	if err := link.Echo(ctx, f.host, msg, 64); err != nil {
		t.Fatalf("Echo() error = %v", err)
	}

	// The echo task counts a packet after it gets the baton back.
	stats := f.waitEcho(func(s echo.Stats) bool { return s.Packets >= 3 })
	if stats.Packets != 3 || stats.Bytes != uint64(len(msg)) {
		t.Errorf("echo stats = %+v, want 3 packets of %d bytes", stats, len(msg))
	}
	if bs := f.bus.Stats(); bs.OutPackets != 3 || bs.InPackets != 3 {
		t.Errorf("bus stats = %+v", bs)
	}
}

// waitEcho polls the echo counters until done accepts them or a second
// passes, and returns the last snapshot.
func (f *fixture) waitEcho(done func(echo.Stats) bool) echo.Stats {
	deadline := time.Now().Add(time.Second)
	stats := f.echo.Stats()
	for !done(stats) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		stats = f.echo.Stats()
	}
	return stats
}

func TestBusReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	for cycle := range 3 {
		if err := f.host.Attach(ctx); err != nil {
			t.Fatalf("cycle %d: Attach() error = %v", cycle, err)
		}
		if _, err := link.Enumerate(ctx, f.host); err != nil {
			t.Fatalf("cycle %d: Enumerate() error = %v", cycle, err)
		}
		if err := link.Echo(ctx, f.host, []byte("hello"), 64); err != nil {
			t.Fatalf("cycle %d: Echo() error = %v", cycle, err)
		}
		if err := f.host.Detach(ctx); err != nil {
			t.Fatalf("cycle %d: Detach() error = %v", cycle, err)
		}
	}

	// The echo task observes the last disconnect asynchronously.
	stats := f.waitEcho(func(s echo.Stats) bool { return s.Disconnects >= 3 })
	if stats.Connections != 3 || stats.Disconnects != 3 || stats.Packets != 3 {
		t.Errorf("echo stats = %+v, want 3 connections", stats)
	}
	if f.bus.Stats().Attachments != 3 {
		t.Errorf("Attachments = %d, want 3", f.bus.Stats().Attachments)
	}
}

func TestBusReceiveCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	if err := f.host.Attach(ctx); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := link.Enumerate(ctx, f.host); err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.host.Receive(short, make([]byte, 64)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive() error = %v, want %v", err, context.DeadlineExceeded)
	}

	// The abandoned receive must not swallow the next echo.
	if err := link.Echo(ctx, f.host, []byte("after"), 64); err != nil {
		t.Errorf("Echo() error = %v", err)
	}
}

func TestBusReceiveBufferTooSmall(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	if err := f.host.Attach(ctx); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := link.Enumerate(ctx, f.host); err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if err := f.host.Send(ctx, []byte("too long")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := f.host.Receive(ctx, make([]byte, 2)); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("Receive() error = %v, want %v", err, pkg.ErrBufferTooSmall)
	}
}
