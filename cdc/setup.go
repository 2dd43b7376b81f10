package cdc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/cdcecho/pkg"
)

// Standard request codes handled by the serial function.
const (
	RequestGetStatus        = 0x00
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// bmRequestType fields.
const (
	RequestDirectionMask = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	RequestDirectionOut = 0x00 // Host to device
	RequestDirectionIn  = 0x80 // Device to host

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
)

// SetupPacket is the 8-byte request that opens every control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacketSize is the wire size of a SetupPacket.
const SetupPacketSize = 8

// ParseSetupPacket decodes a setup packet from data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrBufferTooSmall
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo encodes the packet into buf and returns 8, or 0 if buf is too
// small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// IsDeviceToHost reports whether the data stage flows to the host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionMask == RequestDirectionIn
}

// IsStandard reports whether this is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.RequestType&RequestTypeMask == RequestTypeStandard
}

// IsClass reports whether this is a class-specific request.
func (s *SetupPacket) IsClass() bool {
	return s.RequestType&RequestTypeMask == RequestTypeClass
}

// DescriptorType returns the high byte of wValue for GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the low byte of wValue for GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value)
}

// String returns a compact description for logging.
func (s *SetupPacket) String() string {
	return fmt.Sprintf("type=%#02x req=%#02x value=%#04x index=%d len=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// GetDescriptor builds a standard GET_DESCRIPTOR request.
func GetDescriptor(descType, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}
}

// SetConfiguration builds a standard SET_CONFIGURATION request.
func SetConfiguration(value uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionOut | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
}

// SetControlLineState builds the class request that the host sends when it
// opens (DTR set) or closes (DTR clear) the port.
func SetControlLineState(iface uint8, dtr, rts bool) SetupPacket {
	var value uint16
	if dtr {
		value |= ControlLineDTR
	}
	if rts {
		value |= ControlLineRTS
	}
	return SetupPacket{
		RequestType: RequestDirectionOut | RequestTypeClass | RequestRecipientInterface,
		Request:     RequestSetControlLineState,
		Value:       value,
		Index:       uint16(iface),
	}
}

// SetLineCodingRequest builds a SET_LINE_CODING request; the 7-byte line
// coding travels in the data stage.
func SetLineCodingRequest(iface uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionOut | RequestTypeClass | RequestRecipientInterface,
		Request:     RequestSetLineCoding,
		Index:       uint16(iface),
		Length:      LineCodingSize,
	}
}

// GetLineCodingRequest builds a GET_LINE_CODING request.
func GetLineCodingRequest(iface uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeClass | RequestRecipientInterface,
		Request:     RequestGetLineCoding,
		Index:       uint16(iface),
		Length:      LineCodingSize,
	}
}
