package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/pkg"
)

// Host is the host end of a link to the echo device.
type Host interface {
	// Attach plugs the device into the bus.
	Attach(ctx context.Context) error

	// Detach unplugs the device. Pending data transfers fail with
	// pkg.ErrNoDevice.
	Detach(ctx context.Context) error

	// Reset signals a bus reset, which deconfigures the device.
	Reset(ctx context.Context) error

	// Control performs a control transfer. data is the OUT data stage and
	// the IN data stage is copied into resp. A stalled request fails with
	// an error wrapping pkg.ErrStall.
	Control(ctx context.Context, setup cdc.SetupPacket, data, resp []byte) (int, error)

	// Send transmits one packet to the bulk OUT endpoint.
	Send(ctx context.Context, pkt []byte) error

	// Receive waits for one packet from the bulk IN endpoint.
	Receive(ctx context.Context, buf []byte) (int, error)
}

// ErrMismatch is returned by Echo when the device returns different data
// than was sent.
var ErrMismatch = errors.New("echo mismatch")

// Device describes an enumerated device.
type Device struct {
	Info         cdc.DeviceInfo
	Manufacturer string
	Product      string
	SerialNumber string
}

// Enumerate resets the device and brings it to the configured state, the
// way an operating system does before handing the port to a terminal: it
// reads the device and string descriptors, selects the configuration, sets
// the default line coding and raises DTR and RTS.
func Enumerate(ctx context.Context, h Host) (Device, error) {
	var dev Device

	if err := h.Reset(ctx); err != nil {
		return dev, fmt.Errorf("reset: %w", err)
	}

	var desc [cdc.DeviceDescriptorSize]byte
	n, err := h.Control(ctx, cdc.GetDescriptor(cdc.DescriptorTypeDevice, 0, cdc.DeviceDescriptorSize), nil, desc[:])
	if err != nil {
		return dev, fmt.Errorf("device descriptor: %w", err)
	}
	if err := cdc.ParseDeviceDescriptor(desc[:n], &dev.Info); err != nil {
		return dev, fmt.Errorf("device descriptor: %w", err)
	}

	strs := []*string{&dev.Manufacturer, &dev.Product, &dev.SerialNumber}
	for i, index := range desc[14:17] {
		if index == 0 {
			continue
		}
		s, err := readString(ctx, h, index)
		if err != nil {
			return dev, fmt.Errorf("string descriptor %d: %w", index, err)
		}
		*strs[i] = s
	}

	if _, err := h.Control(ctx, cdc.SetConfiguration(cdc.ConfigurationValue), nil, nil); err != nil {
		return dev, fmt.Errorf("set configuration: %w", err)
	}

	var coding [cdc.LineCodingSize]byte
	lc := cdc.DefaultLineCoding
	lc.MarshalTo(coding[:])
	if _, err := h.Control(ctx, cdc.SetLineCodingRequest(cdc.InterfaceControl), coding[:], nil); err != nil {
		return dev, fmt.Errorf("set line coding: %w", err)
	}
	if _, err := h.Control(ctx, cdc.SetControlLineState(cdc.InterfaceControl, true, true), nil, nil); err != nil {
		return dev, fmt.Errorf("set control line state: %w", err)
	}

	pkg.LogInfo(pkg.ComponentLink, "device enumerated",
		"vid", fmt.Sprintf("%04x", dev.Info.VendorID),
		"pid", fmt.Sprintf("%04x", dev.Info.ProductID),
		"product", dev.Product)
	return dev, nil
}

func readString(ctx context.Context, h Host, index uint8) (string, error) {
	var buf [255]byte
	n, err := h.Control(ctx, cdc.GetDescriptor(cdc.DescriptorTypeString, index, uint16(len(buf))), nil, buf[:])
	if err != nil {
		return "", err
	}
	return cdc.DecodeString(buf[:n])
}

// Echo sends msg to the device in packets of at most packetSize bytes and
// checks that every packet comes back unchanged and in order.
func Echo(ctx context.Context, h Host, msg []byte, packetSize int) error {
	if packetSize <= 0 {
		return pkg.ErrInvalidParameter
	}

	buf := make([]byte, packetSize)
	for off := 0; off < len(msg); off += packetSize {
		chunk := msg[off:min(off+packetSize, len(msg))]
		if err := h.Send(ctx, chunk); err != nil {
			return fmt.Errorf("send at offset %d: %w", off, err)
		}
		n, err := h.Receive(ctx, buf)
		if err != nil {
			return fmt.Errorf("receive at offset %d: %w", off, err)
		}
		if !bytes.Equal(buf[:n], chunk) {
			return fmt.Errorf("%w at offset %d: sent %q, received %q", ErrMismatch, off, chunk, buf[:n])
		}
	}
	return nil
}
