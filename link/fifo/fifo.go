package fifo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/link"
	"github.com/ardnew/cdcecho/link/mem"
	"github.com/ardnew/cdcecho/pkg"
)

// FIFO file names, from the host's point of view.
const (
	fifoControlOut = "control_out" // Host writes setup and bus event frames
	fifoControlIn  = "control_in"  // Device writes control responses
	fifoEPOut      = "ep_out"      // Host writes bulk OUT packets
	fifoEPIn       = "ep_in"       // Device writes bulk IN packets
)

// DevicePrefix is the name prefix of device directories in a bus directory.
const DevicePrefix = "device-"

// pollInterval bounds how long a FIFO read blocks before checking for
// cancellation.
const pollInterval = 100 * time.Millisecond

// retryInterval is how long the IN pump waits before polling a device that
// is detached or unconfigured.
const retryInterval = 10 * time.Millisecond

// Bus exposes a serial function to another process through named pipes.
// Each Bus creates its own subdirectory (device-{id}/) under the bus
// directory, so several devices can share one bus.
type Bus struct {
	busDir    string
	deviceDir string
	id        string

	mem  *mem.Bus
	host link.Host

	mutex      sync.Mutex
	controlOut *os.File // Device reads
	controlIn  *os.File // Device writes
	epOut      *os.File // Device reads
	epIn       *os.File // Device writes
}

// New creates a FIFO bus for acm rooted at busDir. Open must be called
// before Run.
func New(busDir string, acm *cdc.ACM) *Bus {
	m := mem.New(acm)
	return &Bus{
		busDir: busDir,
		mem:    m,
		host:   m.Host(),
	}
}

func generateID() (string, error) {
	var id [8]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}

// Open creates the device directory and its FIFOs.
func (b *Bus) Open() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.deviceDir != "" {
		return pkg.ErrAlreadyRunning
	}

	id, err := generateID()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	b.id = id
	b.deviceDir = filepath.Join(b.busDir, DevicePrefix+id)

	if err := os.MkdirAll(b.deviceDir, 0o755); err != nil {
		b.deviceDir = ""
		return fmt.Errorf("create device dir: %w", err)
	}

	for _, name := range []string{fifoControlOut, fifoControlIn, fifoEPOut, fifoEPIn} {
		path := filepath.Join(b.deviceDir, name)
		if err := unix.Mkfifo(path, 0o666); err != nil {
			b.cleanup()
			return fmt.Errorf("mkfifo %s: %w", name, err)
		}
	}

	// O_RDWR keeps every FIFO open at both ends, so neither side sees EOF
	// or blocks in open while the other is absent.
	files := []struct {
		name string
		f    **os.File
	}{
		{fifoControlOut, &b.controlOut},
		{fifoControlIn, &b.controlIn},
		{fifoEPOut, &b.epOut},
		{fifoEPIn, &b.epIn},
	}
	for _, file := range files {
		f, err := openFIFO(b.deviceDir, file.name, os.O_RDWR)
		if err != nil {
			b.cleanup()
			return err
		}
		*file.f = f
	}

	pkg.LogInfo(pkg.ComponentLink, "fifo bus opened", "busDir", b.busDir, "deviceDir", b.deviceDir)
	return nil
}

// Close removes the device directory. The host sees the device vanish.
func (b *Bus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.deviceDir == "" {
		return pkg.ErrNotRunning
	}
	b.cleanup()
	pkg.LogInfo(pkg.ComponentLink, "fifo bus closed")
	return nil
}

func (b *Bus) cleanup() {
	for _, f := range []**os.File{&b.controlOut, &b.controlIn, &b.epOut, &b.epIn} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	if b.deviceDir != "" {
		os.RemoveAll(b.deviceDir)
		b.deviceDir = ""
	}
}

// DeviceDir returns the device subdirectory, or "" if the bus is not open.
func (b *Bus) DeviceDir() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.deviceDir
}

// Stats returns the counters of the underlying bus.
func (b *Bus) Stats() mem.Stats {
	return b.mem.Stats()
}

// Run services the FIFOs until ctx ends. Like mem.Bus.Run, it is the
// device poll task and must run under the same scheduler as the task using
// the serial function.
func (b *Bus) Run(ctx context.Context) error {
	b.mutex.Lock()
	controlOut, controlIn, epOut, epIn := b.controlOut, b.controlIn, b.epOut, b.epIn
	b.mutex.Unlock()

	if controlOut == nil {
		return pkg.ErrNotConfigured
	}

	// The pumps translate frames into host operations on the memory bus.
	pctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(pctx)
	g.Go(func() error { return b.pumpControl(gctx, controlOut, controlIn) })
	g.Go(func() error { return b.pumpOut(gctx, epOut) })
	g.Go(func() error { return b.pumpIn(gctx, epIn) })

	err := b.mem.Run(ctx)
	cancel()
	if perr := g.Wait(); perr != nil && !errors.Is(perr, context.Canceled) {
		pkg.LogWarn(pkg.ComponentLink, "fifo pump failed", "error", perr)
	}
	return err
}

func (b *Bus) pumpControl(ctx context.Context, r, w *os.File) error {
	var (
		buf  [cdc.SetupPacketSize + link.MaxPayload]byte
		resp [link.MaxPayload]byte
	)
	in := pipeReader{ctx: ctx, f: r}

	for {
		typ, n, err := link.ReadFrame(in, buf[:])
		if err != nil {
			if errors.Is(err, pkg.ErrBufferTooSmall) {
				link.WriteFrame(w, link.FrameStall, nil)
				continue
			}
			return err
		}

		var (
			respType = byte(link.FrameAck)
			respLen  int
		)
		switch typ {
		case link.FrameSetup:
			var setup cdc.SetupPacket
			if err = cdc.ParseSetupPacket(buf[:n], &setup); err != nil {
				break
			}
			respLen, err = b.host.Control(ctx, setup, buf[cdc.SetupPacketSize:n], resp[:])
			if err == nil && setup.IsDeviceToHost() {
				respType = link.FrameData
			}
		case link.FrameReset:
			err = b.host.Reset(ctx)
		case link.FrameAttach:
			err = b.host.Attach(ctx)
		case link.FrameDetach:
			err = b.host.Detach(ctx)
		default:
			pkg.LogWarn(pkg.ComponentLink, "unknown control frame", "type", typ)
			err = pkg.ErrProtocol
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentLink, "control frame rejected", "type", typ, "error", err)
			respType, respLen = link.FrameStall, 0
		}
		if err := link.WriteFrame(w, respType, resp[:respLen]); err != nil {
			return err
		}
	}
}

func (b *Bus) pumpOut(ctx context.Context, r *os.File) error {
	var buf [link.MaxPayload]byte
	in := pipeReader{ctx: ctx, f: r}

	for {
		typ, n, err := link.ReadFrame(in, buf[:])
		if err != nil {
			if errors.Is(err, pkg.ErrBufferTooSmall) {
				continue
			}
			return err
		}
		if typ != link.FrameData {
			pkg.LogWarn(pkg.ComponentLink, "unexpected frame on OUT endpoint", "type", typ)
			continue
		}
		if err := b.host.Send(ctx, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pkg.LogDebug(pkg.ComponentLink, "OUT packet dropped", "bytes", n, "error", err)
		}
	}
}

func (b *Bus) pumpIn(ctx context.Context, w *os.File) error {
	var buf [link.MaxPayload]byte

	for {
		n, err := b.host.Receive(ctx, buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Detached: poll again later, as a host controller would.
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if err := link.WriteFrame(w, link.FrameData, buf[:n]); err != nil {
			return err
		}
	}
}

func openFIFO(dir, name string, flag int) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), flag|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// pipeReader reads from a FIFO, giving up when ctx ends.
type pipeReader struct {
	ctx context.Context
	f   *os.File
}

func (r pipeReader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		r.f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := r.f.Read(p)
		if n > 0 {
			return n, nil
		}
		switch {
		case err == nil, errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, io.EOF):
			return 0, pkg.ErrNoDevice
		default:
			return 0, err
		}
	}
}
