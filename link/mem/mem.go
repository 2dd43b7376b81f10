package mem

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/link"
	"github.com/ardnew/cdcecho/pkg"
)

type requestKind uint8

const (
	requestAttach requestKind = iota
	requestDetach
	requestReset
	requestControl
	requestSend
	requestReceive
)

func (k requestKind) String() string {
	switch k {
	case requestAttach:
		return "attach"
	case requestDetach:
		return "detach"
	case requestReset:
		return "reset"
	case requestControl:
		return "control"
	case requestSend:
		return "send"
	case requestReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// request is a host operation queued for the bus. Data is owned by the
// request; the host never shares its buffers with the bus.
type request struct {
	kind  requestKind
	setup cdc.SetupPacket
	data  []byte
	done  <-chan struct{} // Closed when the host gives up
	reply chan result     // Buffered so the bus never blocks
}

type result struct {
	data []byte
	err  error
}

func (r *request) cancelled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *request) complete(data []byte, err error) {
	r.reply <- result{data: data, err: err}
}

// Stats holds bus counters.
type Stats struct {
	Controls    uint64 // Control transfers completed
	Stalls      uint64 // Control transfers stalled
	OutPackets  uint64 // Packets delivered to the device
	InPackets   uint64 // Packets delivered to the host
	Resets      uint64
	Attachments uint64
}

// Bus connects a serial function to an in-process host. Its Run method is
// the device poll task: host operations complete only while it runs.
type Bus struct {
	acm  *cdc.ACM
	wake chan struct{}

	mutex sync.Mutex
	queue []*request

	running atomic.Bool

	// Owned by Run.
	attached  bool
	sends     []*request
	receives  []*request
	pendingIn *cdc.InTransfer
	resp      []byte

	controls    atomic.Uint64
	stalls      atomic.Uint64
	outPackets  atomic.Uint64
	inPackets   atomic.Uint64
	resets      atomic.Uint64
	attachments atomic.Uint64
}

// New creates a bus for the given serial function. The device starts
// detached.
func New(acm *cdc.ACM) *Bus {
	return &Bus{
		acm:  acm,
		wake: make(chan struct{}, 1),
		resp: make([]byte, acm.Descriptors().Layout().ControlBufferSize),
	}
}

// Host returns the host end of the bus.
func (b *Bus) Host() link.Host {
	return (*host)(b)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Controls:    b.controls.Load(),
		Stalls:      b.stalls.Load(),
		OutPackets:  b.outPackets.Load(),
		InPackets:   b.inPackets.Load(),
		Resets:      b.resets.Load(),
		Attachments: b.attachments.Load(),
	}
}

// Run services the bus until ctx ends. It must run as a scheduler task
// alongside the task using the serial function.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer b.running.Store(false)

	pkg.LogDebug(pkg.ComponentLink, "memory bus running")
	for {
		b.prune()

		var out []byte
		if len(b.sends) > 0 {
			out = b.sends[0].data
		}
		takeIn := len(b.receives) > 0 && b.pendingIn == nil

		ev, err := b.acm.Poll(ctx, out, takeIn, b.wake)
		if err != nil {
			b.failAll(err)
			return err
		}

		switch ev.Kind {
		case cdc.EventWake:
			b.drain()
		case cdc.EventOut:
			req := b.sends[0]
			b.sends = b.sends[1:]
			if ev.Err == nil {
				b.outPackets.Add(1)
			}
			req.complete(nil, ev.Err)
		case cdc.EventIn:
			t := ev.In
			b.pendingIn = &t
			b.deliverIn()
		}
	}
}

// prune drops data requests the host has given up on.
func (b *Bus) prune() {
	keep := func(reqs []*request) []*request {
		out := reqs[:0]
		for _, r := range reqs {
			if !r.cancelled() {
				out = append(out, r)
			}
		}
		return out
	}
	b.sends = keep(b.sends)
	b.receives = keep(b.receives)
}

func (b *Bus) drain() {
	b.mutex.Lock()
	queue := b.queue
	b.queue = nil
	b.mutex.Unlock()

	for _, req := range queue {
		b.handle(req)
	}
}

func (b *Bus) handle(req *request) {
	pkg.LogDebug(pkg.ComponentLink, "host request", "kind", req.kind.String())

	if req.kind != requestAttach && !b.attached {
		req.complete(nil, pkg.ErrNoDevice)
		return
	}

	switch req.kind {
	case requestAttach:
		if !b.attached {
			b.attached = true
			b.attachments.Add(1)
			pkg.LogInfo(pkg.ComponentLink, "device attached")
		}
		req.complete(nil, nil)

	case requestDetach:
		b.attached = false
		b.acm.Detach()
		b.failData(pkg.ErrNoDevice)
		pkg.LogInfo(pkg.ComponentLink, "device detached")
		req.complete(nil, nil)

	case requestReset:
		b.resets.Add(1)
		b.acm.Reset()
		b.dropStaleIn()
		req.complete(nil, nil)

	case requestControl:
		b.control(req)
		b.dropStaleIn()

	case requestSend:
		b.sends = append(b.sends, req)

	case requestReceive:
		b.receives = append(b.receives, req)
		b.deliverIn()
	}
}

func (b *Bus) control(req *request) {
	resp := b.resp[:min(int(req.setup.Length), len(b.resp))]
	n, err := b.acm.HandleSetup(&req.setup, req.data, resp)
	if err != nil {
		b.stalls.Add(1)
		pkg.LogDebug(pkg.ComponentLink, "control request stalled", "request", req.setup.String(), "error", err)
		req.complete(nil, fmt.Errorf("%w: %w", pkg.ErrStall, err))
		return
	}
	b.controls.Add(1)
	req.complete(bytes.Clone(resp[:n]), nil)
}

// deliverIn hands the pending IN packet to the oldest waiting receiver.
func (b *Bus) deliverIn() {
	if b.pendingIn == nil {
		return
	}
	t := *b.pendingIn
	if b.acm.Stale(t) {
		b.pendingIn = nil
		return
	}

	for len(b.receives) > 0 {
		req := b.receives[0]
		b.receives = b.receives[1:]
		if req.cancelled() {
			continue
		}
		b.pendingIn = nil
		req.complete(bytes.Clone(t.Data), nil)
		b.inPackets.Add(1)
		b.acm.CompleteIn(t, nil)
		return
	}
}

func (b *Bus) dropStaleIn() {
	if b.pendingIn != nil && b.acm.Stale(*b.pendingIn) {
		b.pendingIn = nil
	}
}

func (b *Bus) failData(err error) {
	for _, r := range b.sends {
		r.complete(nil, err)
	}
	for _, r := range b.receives {
		r.complete(nil, err)
	}
	b.sends, b.receives, b.pendingIn = nil, nil, nil
}

func (b *Bus) failAll(err error) {
	b.failData(err)

	b.mutex.Lock()
	queue := b.queue
	b.queue = nil
	b.mutex.Unlock()
	for _, r := range queue {
		r.complete(nil, err)
	}
}

// submit queues req and waits for the bus to complete it.
func (b *Bus) submit(ctx context.Context, req *request) ([]byte, error) {
	req.done = ctx.Done()
	req.reply = make(chan result, 1)

	b.mutex.Lock()
	b.queue = append(b.queue, req)
	b.mutex.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-req.reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// host is the host end of a Bus.
type host Bus

func (h *host) bus() *Bus { return (*Bus)(h) }

func (h *host) Attach(ctx context.Context) error {
	_, err := h.bus().submit(ctx, &request{kind: requestAttach})
	return err
}

func (h *host) Detach(ctx context.Context) error {
	_, err := h.bus().submit(ctx, &request{kind: requestDetach})
	return err
}

func (h *host) Reset(ctx context.Context) error {
	_, err := h.bus().submit(ctx, &request{kind: requestReset})
	return err
}

func (h *host) Control(ctx context.Context, setup cdc.SetupPacket, data, resp []byte) (int, error) {
	in, err := h.bus().submit(ctx, &request{kind: requestControl, setup: setup, data: bytes.Clone(data)})
	if err != nil {
		return 0, err
	}
	return copy(resp, in), nil
}

func (h *host) Send(ctx context.Context, pkt []byte) error {
	data := bytes.Clone(pkt)
	if data == nil {
		data = []byte{}
	}
	_, err := h.bus().submit(ctx, &request{kind: requestSend, data: data})
	return err
}

func (h *host) Receive(ctx context.Context, buf []byte) (int, error) {
	in, err := h.bus().submit(ctx, &request{kind: requestReceive})
	if err != nil {
		return 0, err
	}
	if len(in) > len(buf) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, in), nil
}

var _ link.Host = (*host)(nil)
