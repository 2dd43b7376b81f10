package cdc

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/cdcecho/pkg"
)

// Standard descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeBOS                  = 0x0F
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	IADSize                     = 8
	BOSDescriptorSize           = 5
)

// Endpoint addresses and interface numbers of the serial function.
const (
	InterfaceControl = 0
	InterfaceData    = 1

	EndpointNotify  = 0x81 // Interrupt IN
	EndpointDataIn  = 0x82 // Bulk IN
	EndpointDataOut = 0x02 // Bulk OUT

	NotifyPacketSize = 8
	NotifyInterval   = 255

	// ConfigurationValue is the only configuration the device offers.
	ConfigurationValue = 1
)

// Endpoint transfer types.
const (
	endpointTypeBulk      = 0x02
	endpointTypeInterrupt = 0x03
)

// String descriptor indexes.
const (
	StringLanguage     = 0
	StringManufacturer = 1
	StringProduct      = 2
	StringSerialNumber = 3
)

// LanguageEnglishUS is the only language ID the device reports.
const LanguageEnglishUS = 0x0409

// Identity is how the device presents itself to the host.
type Identity struct {
	VendorID      uint16
	ProductID     uint16
	DeviceVersion uint16 // BCD
	Manufacturer  string
	Product       string
	SerialNumber  string

	// CompositeIAD groups the two interfaces with an Interface Association
	// Descriptor and reports the Miscellaneous device class. Windows needs
	// this to bind its serial driver.
	CompositeIAD bool

	MaxPacketSize0 uint8 // Control endpoint packet size
	MaxPower       uint8 // In 2 mA units
}

// DefaultIdentity is the stock identity: test VID/PID and Embassy strings.
var DefaultIdentity = Identity{
	VendorID:       0xc0de,
	ProductID:      0xcafe,
	DeviceVersion:  0x0010,
	Manufacturer:   "Embassy",
	Product:        "USB",
	SerialNumber:   "12345678",
	CompositeIAD:   true,
	MaxPacketSize0: 64,
	MaxPower:       50,
}

// Layout sizes the fixed buffers the descriptors are built into.
type Layout struct {
	MaxPacketSize        int // Bulk endpoint packet size
	ConfigDescriptorSize int // Capacity for the configuration descriptor set
	BOSDescriptorSize    int // Capacity for the BOS descriptor
	ControlBufferSize    int // Capacity for control data stages
}

// DefaultLayout is the stock buffer layout.
var DefaultLayout = Layout{
	MaxPacketSize:        64,
	ConfigDescriptorSize: 256,
	BOSDescriptorSize:    256,
	ControlBufferSize:    64,
}

// Validate checks the layout for impossible values.
func (l Layout) Validate() error {
	switch {
	case l.MaxPacketSize < 8 || l.MaxPacketSize > 512:
		return fmt.Errorf("max packet size %d: %w", l.MaxPacketSize, pkg.ErrInvalidParameter)
	case l.ConfigDescriptorSize <= 0, l.BOSDescriptorSize <= 0, l.ControlBufferSize <= 0:
		return fmt.Errorf("descriptor buffers must be positive: %w", pkg.ErrInvalidParameter)
	}
	return nil
}

// Descriptors holds every descriptor the device serves, built once at
// start-up into buffers of the sizes given by a Layout.
type Descriptors struct {
	identity Identity
	layout   Layout

	device  [DeviceDescriptorSize]byte
	config  []byte
	bos     []byte
	strings [4][]byte
}

// BuildDescriptors encodes the descriptor set. It fails with
// pkg.ErrBufferTooSmall if a descriptor does not fit in its buffer.
func BuildDescriptors(id Identity, layout Layout) (*Descriptors, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	d := &Descriptors{identity: id, layout: layout}
	d.buildDevice()

	configBuf := make([]byte, layout.ConfigDescriptorSize)
	n, err := d.buildConfiguration(configBuf)
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	d.config = configBuf[:n]

	bosBuf := make([]byte, layout.BOSDescriptorSize)
	if len(bosBuf) < BOSDescriptorSize {
		return nil, fmt.Errorf("bos descriptor: %w", pkg.ErrBufferTooSmall)
	}
	bosBuf[0] = BOSDescriptorSize
	bosBuf[1] = DescriptorTypeBOS
	binary.LittleEndian.PutUint16(bosBuf[2:4], BOSDescriptorSize)
	bosBuf[4] = 0 // No device capabilities
	d.bos = bosBuf[:BOSDescriptorSize]

	lang := []byte{4, DescriptorTypeString, 0, 0}
	binary.LittleEndian.PutUint16(lang[2:], LanguageEnglishUS)
	d.strings[StringLanguage] = lang
	for i, s := range []string{id.Manufacturer, id.Product, id.SerialNumber} {
		desc, err := encodeString(s, layout.ControlBufferSize)
		if err != nil {
			return nil, fmt.Errorf("string descriptor %d: %w", i+1, err)
		}
		d.strings[i+1] = desc
	}

	return d, nil
}

func (d *Descriptors) buildDevice() {
	b := d.device[:]
	b[0] = DeviceDescriptorSize
	b[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(b[2:4], 0x0210) // USB 2.1, BOS present
	if d.identity.CompositeIAD {
		b[4] = ClassMisc
		b[5] = MiscSubclassCommon
		b[6] = MiscProtocolIAD
	} else {
		b[4] = ClassCDC
		b[5] = SubclassNone
		b[6] = ProtocolNone
	}
	b[7] = d.identity.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:10], d.identity.VendorID)
	binary.LittleEndian.PutUint16(b[10:12], d.identity.ProductID)
	binary.LittleEndian.PutUint16(b[12:14], d.identity.DeviceVersion)
	b[14] = stringIndex(d.identity.Manufacturer, StringManufacturer)
	b[15] = stringIndex(d.identity.Product, StringProduct)
	b[16] = stringIndex(d.identity.SerialNumber, StringSerialNumber)
	b[17] = 1 // One configuration
}

func stringIndex(s string, index uint8) uint8 {
	if s == "" {
		return 0
	}
	return index
}

// descWriter appends descriptors to a fixed buffer and remembers whether
// anything failed to fit.
type descWriter struct {
	buf      []byte
	n        int
	overflow bool
}

func (w *descWriter) put(b ...byte) {
	if w.overflow || w.n+len(b) > len(w.buf) {
		w.overflow = true
		return
	}
	w.n += copy(w.buf[w.n:], b)
}

func (w *descWriter) endpoint(addr, attr uint8, maxPacket uint16, interval uint8) {
	w.put(EndpointDescriptorSize, DescriptorTypeEndpoint, addr, attr,
		byte(maxPacket), byte(maxPacket>>8), interval)
}

func (d *Descriptors) buildConfiguration(buf []byte) (int, error) {
	w := &descWriter{buf: buf}
	maxPacket := uint16(d.layout.MaxPacketSize)

	// wTotalLength is patched below.
	w.put(ConfigurationDescriptorSize, DescriptorTypeConfiguration, 0, 0,
		2, ConfigurationValue, 0, 0x80, d.identity.MaxPower)

	if d.identity.CompositeIAD {
		w.put(IADSize, DescriptorTypeInterfaceAssociation,
			InterfaceControl, 2, ClassCDC, SubclassACM, ProtocolNone, 0)
	}

	// Communications interface with its functional descriptors.
	w.put(InterfaceDescriptorSize, DescriptorTypeInterface,
		InterfaceControl, 0, 1, ClassCDC, SubclassACM, ProtocolNone, 0)
	w.put(5, DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01) // CDC 1.10
	w.put(5, DescriptorTypeCSInterface, SubtypeCallManagement, 0, InterfaceData)
	w.put(4, DescriptorTypeCSInterface, SubtypeACM, ACMCapLineCoding|ACMCapSendBreak)
	w.put(5, DescriptorTypeCSInterface, SubtypeUnion, InterfaceControl, InterfaceData)
	w.endpoint(EndpointNotify, endpointTypeInterrupt, NotifyPacketSize, NotifyInterval)

	// Data interface.
	w.put(InterfaceDescriptorSize, DescriptorTypeInterface,
		InterfaceData, 0, 2, ClassCDCData, SubclassNone, ProtocolNone, 0)
	w.endpoint(EndpointDataOut, endpointTypeBulk, maxPacket, 0)
	w.endpoint(EndpointDataIn, endpointTypeBulk, maxPacket, 0)

	if w.overflow {
		return 0, pkg.ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(w.n))
	return w.n, nil
}

// encodeString builds a UTF-16LE string descriptor that must fit in limit
// bytes.
func encodeString(s string, limit int) ([]byte, error) {
	units := utf16.Encode([]rune(s))
	size := 2 + 2*len(units)
	if size > 255 || size > limit {
		return nil, pkg.ErrBufferTooSmall
	}
	b := make([]byte, size)
	b[0] = byte(size)
	b[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b, nil
}

// Device returns the device descriptor.
func (d *Descriptors) Device() []byte {
	return d.device[:]
}

// Configuration returns the full configuration descriptor set.
func (d *Descriptors) Configuration() []byte {
	return d.config
}

// BOS returns the binary device object store descriptor.
func (d *Descriptors) BOS() []byte {
	return d.bos
}

// Layout returns the buffer layout the descriptors were built with.
func (d *Descriptors) Layout() Layout {
	return d.layout
}

// Lookup returns the descriptor requested by GET_DESCRIPTOR.
func (d *Descriptors) Lookup(descType, index uint8) ([]byte, error) {
	switch descType {
	case DescriptorTypeDevice:
		return d.Device(), nil
	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		return d.config, nil
	case DescriptorTypeBOS:
		return d.bos, nil
	case DescriptorTypeString:
		if int(index) >= len(d.strings) || d.strings[index] == nil || (index > 0 && d.strings[index][0] == 2) {
			return nil, pkg.ErrInvalidRequest
		}
		return d.strings[index], nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// DeviceInfo is the decoded subset of a device descriptor that host tools
// care about.
type DeviceInfo struct {
	USBVersion     uint16
	Class          uint8
	SubClass       uint8
	Protocol       uint8
	MaxPacketSize0 uint8
	VendorID       uint16
	ProductID      uint16
	DeviceVersion  uint16
}

// ParseDeviceDescriptor decodes a device descriptor.
func ParseDeviceDescriptor(data []byte, out *DeviceInfo) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrBufferTooSmall
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrProtocol
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.Class = data[4]
	out.SubClass = data[5]
	out.Protocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	return nil
}

// DecodeString decodes a UTF-16LE string descriptor.
func DecodeString(data []byte) (string, error) {
	if len(data) < 2 || data[1] != DescriptorTypeString || int(data[0]) > len(data) || data[0]%2 != 0 {
		return "", pkg.ErrProtocol
	}
	units := make([]uint16, (int(data[0])-2)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[2+2*i:])
	}
	return string(utf16.Decode(units)), nil
}
