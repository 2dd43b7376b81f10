package fifo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/link"
	"github.com/ardnew/cdcecho/pkg"
)

// Host is the host end of a FIFO bus. It implements link.Host.
type Host struct {
	dir string

	// control serializes control transfers, which share one request and
	// one response FIFO.
	control sync.Mutex
	out     sync.Mutex
	in      sync.Mutex

	controlOut *os.File // Host writes
	controlIn  *os.File // Host reads
	epOut      *os.File // Host writes
	epIn       *os.File // Host reads

	inBuf [link.MaxPayload]byte
}

// Discover returns the device directories present in busDir, sorted by
// name.
func Discover(busDir string) ([]string, error) {
	entries, err := os.ReadDir(busDir)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), DevicePrefix) {
			dirs = append(dirs, filepath.Join(busDir, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Dial connects to the first device found in busDir.
func Dial(busDir string) (*Host, error) {
	dirs, err := Discover(busDir)
	if err != nil {
		return nil, fmt.Errorf("scan bus dir: %w", err)
	}
	if len(dirs) == 0 {
		return nil, pkg.ErrNoDevice
	}
	return DialDevice(dirs[0])
}

// DialDevice connects to the device whose FIFOs live in dir.
func DialDevice(dir string) (*Host, error) {
	h := &Host{dir: dir}

	files := []struct {
		name string
		flag int
		f    **os.File
	}{
		{fifoControlOut, os.O_WRONLY, &h.controlOut},
		{fifoControlIn, os.O_RDONLY, &h.controlIn},
		{fifoEPOut, os.O_WRONLY, &h.epOut},
		{fifoEPIn, os.O_RDONLY, &h.epIn},
	}
	for _, file := range files {
		f, err := openFIFO(dir, file.name, file.flag)
		if err != nil {
			h.Close()
			return nil, err
		}
		*file.f = f
	}

	pkg.LogDebug(pkg.ComponentLink, "fifo host connected", "deviceDir", dir)
	return h, nil
}

// Dir returns the device directory the host is connected to.
func (h *Host) Dir() string {
	return h.dir
}

// Close closes the FIFOs.
func (h *Host) Close() error {
	for _, f := range []*os.File{h.controlOut, h.controlIn, h.epOut, h.epIn} {
		if f != nil {
			f.Close()
		}
	}
	return nil
}

// transact writes one control frame and waits for its response.
func (h *Host) transact(ctx context.Context, typ byte, payload, resp []byte) (int, error) {
	h.control.Lock()
	defer h.control.Unlock()

	if err := link.WriteFrame(h.controlOut, typ, payload); err != nil {
		return 0, fmt.Errorf("write control frame: %w", err)
	}

	var buf [link.MaxPayload]byte
	rtyp, n, err := link.ReadFrame(pipeReader{ctx: ctx, f: h.controlIn}, buf[:])
	if err != nil {
		return 0, err
	}
	switch rtyp {
	case link.FrameAck:
		return 0, nil
	case link.FrameData:
		return copy(resp, buf[:n]), nil
	case link.FrameStall:
		return 0, pkg.ErrStall
	default:
		return 0, fmt.Errorf("control response type %#02x: %w", rtyp, pkg.ErrProtocol)
	}
}

// Attach implements link.Host.
func (h *Host) Attach(ctx context.Context) error {
	_, err := h.transact(ctx, link.FrameAttach, nil, nil)
	return err
}

// Detach implements link.Host.
func (h *Host) Detach(ctx context.Context) error {
	_, err := h.transact(ctx, link.FrameDetach, nil, nil)
	return err
}

// Reset implements link.Host.
func (h *Host) Reset(ctx context.Context) error {
	_, err := h.transact(ctx, link.FrameReset, nil, nil)
	return err
}

// Control implements link.Host.
func (h *Host) Control(ctx context.Context, setup cdc.SetupPacket, data, resp []byte) (int, error) {
	payload := make([]byte, cdc.SetupPacketSize+len(data))
	setup.MarshalTo(payload)
	copy(payload[cdc.SetupPacketSize:], data)
	return h.transact(ctx, link.FrameSetup, payload, resp)
}

// Send implements link.Host. It returns once the packet is queued in the
// pipe; delivery failures are only visible on the device side.
func (h *Host) Send(ctx context.Context, pkt []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.out.Lock()
	defer h.out.Unlock()
	return link.WriteFrame(h.epOut, link.FrameData, pkt)
}

// Receive implements link.Host.
func (h *Host) Receive(ctx context.Context, buf []byte) (int, error) {
	h.in.Lock()
	defer h.in.Unlock()

	typ, n, err := link.ReadFrame(pipeReader{ctx: ctx, f: h.epIn}, h.inBuf[:])
	if err != nil {
		return 0, err
	}
	if typ != link.FrameData {
		return 0, fmt.Errorf("IN frame type %#02x: %w", typ, pkg.ErrProtocol)
	}
	if n > len(buf) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, h.inBuf[:n]), nil
}

var _ link.Host = (*Host)(nil)
