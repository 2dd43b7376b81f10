package cdc

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/cdcecho/pkg"
	"github.com/ardnew/cdcecho/sched"
)

// ACM implements a CDC-ACM (Abstract Control Model) serial function.
//
// The class side (WaitConnection, ReadPacket, WritePacket) is consumed by
// the echo task. The bus side (HandleSetup, Reset, Detach, DeliverOut,
// NextIn, CompleteIn) is driven by the poll task that services the link.
// Transfers only complete while the bus side is being serviced.
type ACM struct {
	desc *Descriptors

	// Handoff channels between the class side and the bus side. Packets are
	// passed by reference and copied by the receiver before acknowledging.
	out    chan []byte
	outAck chan error
	in     chan InTransfer
	inDone chan inCompletion

	mutex         sync.Mutex
	enabled       bool
	generation    uint64        // Incremented every time the endpoints are enabled
	ready         chan struct{} // Closed while the endpoints are enabled
	ended         chan struct{} // Closed when the current enabled period ends
	address       uint8
	configuration uint8
	lineCoding    LineCoding
	controlState  uint16

	onLineCodingChange   func(LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)
	onEnabledChange      func(enabled bool)
}

type inCompletion struct {
	generation uint64
	err        error
}

// InTransfer is an IN packet taken from the class by the bus. It must be
// completed with CompleteIn.
type InTransfer struct {
	Data       []byte
	generation uint64
}

// NewACM creates a serial function serving the given descriptors. The
// endpoints start disabled.
func NewACM(desc *Descriptors) *ACM {
	ended := make(chan struct{})
	close(ended)

	return &ACM{
		desc:       desc,
		out:        make(chan []byte),
		outAck:     make(chan error, 1),
		in:         make(chan InTransfer),
		inDone:     make(chan inCompletion, 1),
		ready:      make(chan struct{}),
		ended:      ended,
		lineCoding: DefaultLineCoding,
	}
}

// Descriptors returns the descriptor set served by the function.
func (a *ACM) Descriptors() *Descriptors {
	return a.desc
}

// MaxPacketSize returns the bulk endpoint packet size.
func (a *ACM) MaxPacketSize() int {
	return a.desc.layout.MaxPacketSize
}

// SetOnLineCodingChange sets the callback for line coding changes.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for break signaling.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// SetOnEnabledChange sets the callback invoked when the data endpoints are
// enabled or disabled.
func (a *ACM) SetOnEnabledChange(cb func(enabled bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onEnabledChange = cb
}

// LineCoding returns the current line coding.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.lineCoding
}

// DTR returns the Data Terminal Ready state set by the host.
func (a *ACM) DTR() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the Request To Send state set by the host.
func (a *ACM) RTS() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineRTS != 0
}

// Enabled reports whether the data endpoints are enabled.
func (a *ACM) Enabled() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.enabled
}

// Address returns the bus address assigned by the host.
func (a *ACM) Address() uint8 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.address
}

// Configuration returns the active configuration value (0 if unconfigured).
func (a *ACM) Configuration() uint8 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.configuration
}

// setEnabled must be called with the mutex held. It returns the callback
// to invoke after unlocking, if the state changed.
func (a *ACM) setEnabled(enabled bool) func() {
	if a.enabled == enabled {
		return nil
	}
	a.enabled = enabled
	if enabled {
		a.generation++
		a.ended = make(chan struct{})
		close(a.ready)
	} else {
		close(a.ended)
		a.ready = make(chan struct{})
	}

	pkg.LogDebug(pkg.ComponentClass, "data endpoints", "enabled", enabled, "generation", a.generation)
	if cb := a.onEnabledChange; cb != nil {
		return func() { cb(enabled) }
	}
	return nil
}

// Reset handles a bus reset: the address and configuration are cleared and
// any transfer in progress fails with EndpointDisabled.
func (a *ACM) Reset() {
	a.mutex.Lock()
	a.address = 0
	a.configuration = 0
	notify := a.setEnabled(false)
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "bus reset")
	if notify != nil {
		notify()
	}
}

// Detach handles the cable being unplugged. It behaves like a reset and
// also drops the control lines.
func (a *ACM) Detach() {
	a.mutex.Lock()
	a.controlState = 0
	a.mutex.Unlock()
	a.Reset()
}

// HandleSetup processes a control request. data holds the OUT data stage,
// and the IN data stage is written to resp. It returns the number of bytes
// written to resp. An error means the request must be stalled.
func (a *ACM) HandleSetup(setup *SetupPacket, data []byte, resp []byte) (int, error) {
	if len(data) > a.desc.layout.ControlBufferSize {
		return 0, pkg.ErrBufferTooSmall
	}

	pkg.LogDebug(pkg.ComponentClass, "setup", "request", setup.String())

	switch {
	case setup.IsStandard():
		return a.handleStandard(setup, resp)
	case setup.IsClass():
		if setup.Index != InterfaceControl {
			return 0, pkg.ErrInvalidRequest
		}
		return a.handleClass(setup, data, resp)
	default:
		return 0, pkg.ErrInvalidRequest
	}
}

func (a *ACM) handleStandard(setup *SetupPacket, resp []byte) (int, error) {
	switch setup.Request {
	case RequestGetDescriptor:
		desc, err := a.desc.Lookup(setup.DescriptorType(), setup.DescriptorIndex())
		if err != nil {
			return 0, err
		}
		n := min(len(desc), int(setup.Length), len(resp))
		return copy(resp[:n], desc), nil

	case RequestSetAddress:
		a.mutex.Lock()
		a.address = uint8(setup.Value & 0x7F)
		a.mutex.Unlock()
		return 0, nil

	case RequestSetConfiguration:
		return 0, a.setConfiguration(uint8(setup.Value))

	case RequestGetConfiguration:
		if len(resp) < 1 {
			return 0, pkg.ErrBufferTooSmall
		}
		resp[0] = a.Configuration()
		return 1, nil

	case RequestGetStatus:
		if len(resp) < 2 {
			return 0, pkg.ErrBufferTooSmall
		}
		resp[0], resp[1] = 0, 0 // Bus powered, no remote wakeup
		return 2, nil

	default:
		return 0, pkg.ErrInvalidRequest
	}
}

func (a *ACM) setConfiguration(value uint8) error {
	if value != 0 && value != ConfigurationValue {
		return pkg.ErrInvalidRequest
	}

	a.mutex.Lock()
	a.configuration = value
	// Re-selecting the configuration resets the endpoints, so a connection in
	// progress ends before the new one starts.
	var notify []func()
	if f := a.setEnabled(false); f != nil {
		notify = append(notify, f)
	}
	if value != 0 {
		if f := a.setEnabled(true); f != nil {
			notify = append(notify, f)
		}
	}
	a.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentClass, "configuration set", "value", value)
	for _, f := range notify {
		f()
	}
	return nil
}

func (a *ACM) handleClass(setup *SetupPacket, data []byte, resp []byte) (int, error) {
	switch setup.Request {
	case RequestSetLineCoding:
		var lc LineCoding
		if !ParseLineCoding(data, &lc) {
			return 0, pkg.ErrBufferTooSmall
		}
		a.mutex.Lock()
		a.lineCoding = lc
		cb := a.onLineCodingChange
		a.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentClass, "line coding set", "coding", lc.String())
		if cb != nil {
			cb(lc)
		}
		return 0, nil

	case RequestGetLineCoding:
		lc := a.LineCoding()
		if n := lc.MarshalTo(resp); n > 0 {
			return n, nil
		}
		return 0, pkg.ErrBufferTooSmall

	case RequestSetControlLineState:
		a.mutex.Lock()
		a.controlState = setup.Value
		dtr := setup.Value&ControlLineDTR != 0
		rts := setup.Value&ControlLineRTS != 0
		cb := a.onControlStateChange
		a.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentClass, "control line state set", "dtr", dtr, "rts", rts)
		if cb != nil {
			cb(dtr, rts)
		}
		return 0, nil

	case RequestSendBreak:
		a.mutex.Lock()
		cb := a.onBreak
		a.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentClass, "break signaled", "duration_ms", setup.Value)
		if cb != nil {
			cb(setup.Value)
		}
		return 0, nil

	default:
		return 0, pkg.ErrInvalidRequest
	}
}

// WaitConnection blocks until the host enables the data endpoints. It
// returns immediately if they already are.
func (a *ACM) WaitConnection(ctx context.Context) error {
	a.mutex.Lock()
	ready := a.ready
	a.mutex.Unlock()

	return sched.Suspend(ctx, func(ctx context.Context) error {
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// ReadPacket waits for one OUT packet and copies it into buf. It fails
// with EndpointOverflow if the packet does not fit, and with
// EndpointDisabled if the endpoints are or become disabled.
func (a *ACM) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	a.mutex.Lock()
	enabled, ended := a.enabled, a.ended
	a.mutex.Unlock()

	if !enabled {
		return 0, pkg.EndpointDisabled
	}

	var n int
	err := sched.Suspend(ctx, func(ctx context.Context) error {
		select {
		case pkt := <-a.out:
			if len(pkt) > len(buf) {
				a.outAck <- pkg.EndpointOverflow
				return pkg.EndpointOverflow
			}
			n = copy(buf, pkt)
			a.outAck <- nil
			return nil
		case <-ended:
			return pkg.EndpointDisabled
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return n, err
}

// WritePacket queues data as one IN packet and waits until the bus has
// transmitted it. data must not exceed the endpoint packet size.
func (a *ACM) WritePacket(ctx context.Context, data []byte) error {
	if len(data) > a.MaxPacketSize() {
		return pkg.EndpointOverflow
	}

	a.mutex.Lock()
	enabled, ended, generation := a.enabled, a.ended, a.generation
	a.mutex.Unlock()

	if !enabled {
		return pkg.EndpointDisabled
	}

	return sched.Suspend(ctx, func(ctx context.Context) error {
		select {
		case a.in <- InTransfer{Data: data, generation: generation}:
		case <-ended:
			return pkg.EndpointDisabled
		case <-ctx.Done():
			return ctx.Err()
		}

		for {
			select {
			case c := <-a.inDone:
				if c.generation != generation {
					continue
				}
				return c.err
			case <-ended:
				// The packet may have been sent just before the connection
				// ended.
				select {
				case c := <-a.inDone:
					if c.generation == generation {
						return c.err
					}
				default:
				}
				return pkg.EndpointDisabled
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// EventKind identifies why Poll returned.
type EventKind uint8

// Poll events.
const (
	EventWake EventKind = iota // The wake channel was signaled
	EventIn                    // The class queued an IN packet
	EventOut                   // The offered OUT packet was consumed or dropped
)

// Event is the outcome of Poll.
type Event struct {
	Kind EventKind
	In   InTransfer // Set for EventIn
	Err  error      // For EventOut, nil if a reader took the packet
}

// Poll suspends until the bus side has work. A non-nil out is offered to a
// pending ReadPacket; if takeIn is set, an IN packet queued by the class is
// accepted. Poll also returns when wake is signaled.
//
// An offered packet is dropped with EndpointDisabled if the endpoints are or
// become disabled, and with EndpointOverflow if the reader's buffer was too
// small.
func (a *ACM) Poll(ctx context.Context, out []byte, takeIn bool, wake <-chan struct{}) (Event, error) {
	var (
		outCh chan []byte
		ended <-chan struct{}
		inCh  chan InTransfer
	)
	if out != nil {
		if len(out) > a.MaxPacketSize() {
			return Event{Kind: EventOut, Err: pkg.ErrProtocol}, nil
		}
		a.mutex.Lock()
		enabled := a.enabled
		ended = a.ended
		a.mutex.Unlock()
		if !enabled {
			return Event{Kind: EventOut, Err: pkg.EndpointDisabled}, nil
		}
		outCh = a.out
	}
	if takeIn {
		inCh = a.in
	}

	var ev Event
	err := sched.Suspend(ctx, func(ctx context.Context) error {
		select {
		case outCh <- out:
			// The reader acknowledges unconditionally once it took the packet.
			ev = Event{Kind: EventOut, Err: <-a.outAck}
		case <-ended:
			ev = Event{Kind: EventOut, Err: pkg.EndpointDisabled}
		case t := <-inCh:
			ev = Event{Kind: EventIn, In: t}
		case <-wake:
			ev = Event{Kind: EventWake}
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	return ev, err
}

// DeliverOut hands a packet received from the host to a pending
// ReadPacket and waits until it has been copied.
func (a *ACM) DeliverOut(ctx context.Context, pkt []byte) error {
	if pkt == nil {
		pkt = []byte{}
	}
	ev, err := a.Poll(ctx, pkt, false, nil)
	if err != nil {
		return err
	}
	return ev.Err
}

// NextIn waits for the class to queue an IN packet.
func (a *ACM) NextIn(ctx context.Context) (InTransfer, error) {
	ev, err := a.Poll(ctx, nil, true, nil)
	return ev.In, err
}

// Stale reports whether t belongs to a connection that has ended.
func (a *ACM) Stale(t InTransfer) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return !a.enabled || t.generation != a.generation
}

// CompleteIn reports the outcome of transmitting t. Completions for a
// connection that already ended are discarded.
func (a *ACM) CompleteIn(t InTransfer, err error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.enabled || t.generation != a.generation {
		return
	}
	if err != nil && !errors.Is(err, pkg.ErrDisabled) {
		pkg.LogWarn(pkg.ComponentClass, "IN transfer failed", "error", err)
		err = pkg.EndpointDisabled
	}
	// Anything still buffered belongs to an earlier connection whose writer
	// has already given up.
	c := inCompletion{generation: t.generation, err: err}
	for {
		select {
		case a.inDone <- c:
			return
		default:
		}
		select {
		case <-a.inDone:
		default:
		}
	}
}
