package echo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ardnew/cdcecho/pkg"
)

// DefaultPacketSize is the default packet buffer capacity (one full-speed
// bulk packet).
const DefaultPacketSize = 64

// MaxPacketSize is the largest packet buffer the task accepts.
const MaxPacketSize = 512

// Transport is the serial class instance the echo task talks to.
//
// All three methods suspend the caller until they complete. ReadPacket and
// WritePacket fail with a [pkg.EndpointError]: EndpointOverflow when the
// payload does not fit in one packet buffer, EndpointDisabled when the link
// is inactive.
type Transport interface {
	// WaitConnection blocks until a host connection is established. It
	// returns immediately if the host is already connected.
	WaitConnection(ctx context.Context) error

	// ReadPacket reads at most one packet into buf.
	ReadPacket(ctx context.Context, buf []byte) (int, error)

	// WritePacket transmits data, which must fit in one packet.
	WritePacket(ctx context.Context, data []byte) error
}

// ErrDisconnected signals that the current connection ended. It carries no
// data; the task responds by waiting for the next connection.
var ErrDisconnected = errors.New("disconnected")

// FatalError wraps a transport failure that must not be retried.
type FatalError struct {
	Op  string // "read" or "write"
	Err error
}

// Error implements error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("echo %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// State is the connection state of the echo task.
type State uint32

// Echo task states.
const (
	StateWaiting State = iota // Waiting for a host connection
	StateEchoing              // Connected and echoing packets
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateEchoing:
		return "echoing"
	default:
		return "unknown"
	}
}

// Stats holds echo task counters.
type Stats struct {
	Waits       uint64 // Times the task entered the waiting state
	Connections uint64 // Host connections served
	Disconnects uint64 // Connections that ended with a disconnect
	Packets     uint64 // Packets echoed
	Bytes       uint64 // Payload bytes echoed
}

// Observer receives notifications of echo task events. Methods are called
// on the task's goroutine and must not block.
type Observer interface {
	OnConnect(connection uint64)
	OnEcho(data []byte)
	OnDisconnect(connection uint64)
}

// Option configures a Task.
type Option func(*Task)

// WithPacketSize sets the packet buffer capacity.
func WithPacketSize(n int) Option {
	return func(t *Task) {
		t.packetSize = n
	}
}

// WithObserver registers an observer for task events.
func WithObserver(o Observer) Option {
	return func(t *Task) {
		t.observer = o
	}
}

// WithTrace logs the payload of every echoed packet at debug level.
func WithTrace(enabled bool) Option {
	return func(t *Task) {
		t.trace = enabled
	}
}

// Task echoes every packet received from the host back to it, and waits for
// a new connection whenever the current one ends.
type Task struct {
	transport  Transport
	packetSize int
	observer   Observer
	trace      bool

	// buf is allocated once and reused for every transfer.
	buf []byte

	state       atomic.Uint32
	waits       atomic.Uint64
	connections atomic.Uint64
	disconnects atomic.Uint64
	packets     atomic.Uint64
	bytes       atomic.Uint64
}

// New creates an echo task on the given transport.
func New(t Transport, opts ...Option) (*Task, error) {
	if t == nil {
		return nil, pkg.ErrInvalidParameter
	}

	task := &Task{
		transport:  t,
		packetSize: DefaultPacketSize,
	}
	for _, opt := range opts {
		opt(task)
	}

	if task.packetSize <= 0 || task.packetSize > MaxPacketSize {
		return nil, fmt.Errorf("packet size %d: %w", task.packetSize, pkg.ErrInvalidParameter)
	}
	task.buf = make([]byte, task.packetSize)
	return task, nil
}

// Run executes the task. It returns only when ctx ends or the transport
// reports a fatal condition, in which case the error is a *FatalError.
func (t *Task) Run(ctx context.Context) error {
	for {
		t.state.Store(uint32(StateWaiting))
		t.waits.Add(1)

		if err := t.transport.WaitConnection(ctx); err != nil {
			return err
		}

		conn := t.connections.Add(1)
		t.state.Store(uint32(StateEchoing))
		pkg.LogInfo(pkg.ComponentEcho, "host connected", "connection", conn)
		if t.observer != nil {
			t.observer.OnConnect(conn)
		}

		err := t.serve(ctx)
		if !errors.Is(err, ErrDisconnected) {
			return err
		}

		// Nothing read on this connection may leak into the next one.
		clear(t.buf)

		t.disconnects.Add(1)
		pkg.LogInfo(pkg.ComponentEcho, "host disconnected", "connection", conn)
		if t.observer != nil {
			t.observer.OnDisconnect(conn)
		}
	}
}

// serve echoes packets until the connection ends. The returned error is
// never nil.
func (t *Task) serve(ctx context.Context) error {
	for {
		n, err := t.transport.ReadPacket(ctx, t.buf)
		if err != nil {
			return classify("read", err)
		}

		data := t.buf[:n]
		if t.trace {
			pkg.LogDebug(pkg.ComponentEcho, "data", "bytes", n, "hex", fmt.Sprintf("%x", data))
		}

		if err := t.transport.WritePacket(ctx, data); err != nil {
			return classify("write", err)
		}

		t.packets.Add(1)
		t.bytes.Add(uint64(n))
		if t.observer != nil {
			t.observer.OnEcho(data)
		}
	}
}

// classify maps a transport error onto the task's control flow: disabled
// endpoints end the connection, overflows are fatal, anything else (context
// cancellation) passes through unchanged.
func classify(op string, err error) error {
	var ee pkg.EndpointError
	if !errors.As(err, &ee) {
		return err
	}

	switch ee {
	case pkg.EndpointDisabled:
		return ErrDisconnected
	case pkg.EndpointOverflow:
		return &FatalError{Op: op, Err: err}
	default:
		return &FatalError{Op: op, Err: err}
	}
}

// State returns the current connection state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// PacketSize returns the packet buffer capacity.
func (t *Task) PacketSize() int {
	return t.packetSize
}

// Stats returns a snapshot of the task counters.
func (t *Task) Stats() Stats {
	return Stats{
		Waits:       t.waits.Load(),
		Connections: t.connections.Load(),
		Disconnects: t.disconnects.Load(),
		Packets:     t.packets.Load(),
		Bytes:       t.bytes.Load(),
	}
}
