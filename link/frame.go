package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ardnew/cdcecho/pkg"
)

// Frame types of the stream protocol carried over byte-oriented links.
// Every frame is [type, len_lo, len_hi, payload...].
const (
	FrameSetup  = 0x01 // Host to device: setup packet followed by the OUT data stage
	FrameData   = 0x02 // Packet payload, or the IN data stage of a control transfer
	FrameAck    = 0x03 // Control transfer or bus event completed without data
	FrameStall  = 0x05 // Control request rejected
	FrameReset  = 0x12 // Host to device: bus reset
	FrameAttach = 0x14 // Host to device: cable plugged in
	FrameDetach = 0x15 // Host to device: cable unplugged
)

// HeaderSize is the size of a frame header.
const HeaderSize = 3

// MaxPayload is the largest payload a frame may carry.
const MaxPayload = 1024

// AppendFrame appends an encoded frame to dst.
func AppendFrame(dst []byte, typ byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("frame payload %d bytes: %w", len(payload), pkg.ErrBufferTooSmall)
	}
	dst = append(dst, typ, 0, 0)
	binary.LittleEndian.PutUint16(dst[len(dst)-2:], uint16(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes one frame to w in a single Write call, so frames from
// concurrent writers to a pipe do not interleave.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	var buf [HeaderSize + MaxPayload]byte
	frame, err := AppendFrame(buf[:0], typ, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame from r into buf and returns its type and
// payload length. A payload that does not fit in buf is consumed and
// reported as pkg.ErrBufferTooSmall.
func ReadFrame(r io.Reader, buf []byte) (byte, int, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, err
	}

	typ := header[0]
	n := int(binary.LittleEndian.Uint16(header[1:3]))
	if n > MaxPayload {
		return typ, 0, fmt.Errorf("frame length %d: %w", n, pkg.ErrProtocol)
	}
	if n > len(buf) {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return typ, 0, err
		}
		return typ, 0, pkg.ErrBufferTooSmall
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return typ, 0, err
	}
	return typ, n, nil
}
