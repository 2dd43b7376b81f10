package cdc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/cdcecho/pkg"
)

func TestBuildDescriptorsDefault(t *testing.T) {
	d, err := BuildDescriptors(DefaultIdentity, DefaultLayout)
	if err != nil {
		t.Fatalf("BuildDescriptors() error = %v", err)
	}

	var info DeviceInfo
	if err := ParseDeviceDescriptor(d.Device(), &info); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	if info.VendorID != 0xc0de || info.ProductID != 0xcafe {
		t.Errorf("VID:PID = %04x:%04x, want c0de:cafe", info.VendorID, info.ProductID)
	}
	if info.Class != ClassMisc || info.SubClass != MiscSubclassCommon || info.Protocol != MiscProtocolIAD {
		t.Errorf("device class = %02x/%02x/%02x, want ef/02/01", info.Class, info.SubClass, info.Protocol)
	}
	if info.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", info.MaxPacketSize0)
	}

	config := d.Configuration()
	// config + IAD + 2 interfaces + 4 functional + 3 endpoints
	wantLen := 9 + 8 + 9 + 5 + 5 + 4 + 5 + 7 + 9 + 7 + 7
	if len(config) != wantLen {
		t.Errorf("configuration length = %d, want %d", len(config), wantLen)
	}
	if total := binary.LittleEndian.Uint16(config[2:4]); int(total) != len(config) {
		t.Errorf("wTotalLength = %d, want %d", total, len(config))
	}
	if config[9+1] != DescriptorTypeInterfaceAssociation {
		t.Errorf("descriptor after configuration is %#x, want IAD", config[10])
	}

	// Walk the descriptor chain and collect endpoint packet sizes.
	sizes := map[uint8]uint16{}
	for i := 0; i < len(config); i += int(config[i]) {
		if config[i] == 0 {
			t.Fatalf("zero-length descriptor at offset %d", i)
		}
		if config[i+1] == DescriptorTypeEndpoint {
			sizes[config[i+2]] = binary.LittleEndian.Uint16(config[i+4 : i+6])
		}
	}
	want := map[uint8]uint16{EndpointNotify: 8, EndpointDataIn: 64, EndpointDataOut: 64}
	for addr, size := range want {
		if sizes[addr] != size {
			t.Errorf("endpoint %#02x packet size = %d, want %d", addr, sizes[addr], size)
		}
	}

	if bos := d.BOS(); len(bos) != BOSDescriptorSize || bos[1] != DescriptorTypeBOS {
		t.Errorf("BOS = %x", bos)
	}
}

func TestBuildDescriptorsWithoutIAD(t *testing.T) {
	id := DefaultIdentity
	id.CompositeIAD = false

	d, err := BuildDescriptors(id, DefaultLayout)
	if err != nil {
		t.Fatalf("BuildDescriptors() error = %v", err)
	}
	if d.Device()[4] != ClassCDC {
		t.Errorf("device class = %#x, want CDC", d.Device()[4])
	}
	if len(d.Configuration()) != 67 {
		t.Errorf("configuration length = %d, want 67", len(d.Configuration()))
	}
}

func TestBuildDescriptorsBufferTooSmall(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		id     Identity
	}{
		{"config", Layout{MaxPacketSize: 64, ConfigDescriptorSize: 32, BOSDescriptorSize: 256, ControlBufferSize: 64}, DefaultIdentity},
		{"bos", Layout{MaxPacketSize: 64, ConfigDescriptorSize: 256, BOSDescriptorSize: 4, ControlBufferSize: 64}, DefaultIdentity},
		{"string", Layout{MaxPacketSize: 64, ConfigDescriptorSize: 256, BOSDescriptorSize: 256, ControlBufferSize: 8}, DefaultIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildDescriptors(tt.id, tt.layout); !errors.Is(err, pkg.ErrBufferTooSmall) {
				t.Errorf("BuildDescriptors() error = %v, want %v", err, pkg.ErrBufferTooSmall)
			}
		})
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		wantErr bool
	}{
		{"default", DefaultLayout, false},
		{"max packet 512", Layout{512, 256, 256, 64}, false},
		{"packet too small", Layout{4, 256, 256, 64}, true},
		{"packet too large", Layout{1024, 256, 256, 64}, true},
		{"zero control", Layout{64, 256, 256, 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	id := DefaultIdentity
	id.SerialNumber = ""
	d, err := BuildDescriptors(id, DefaultLayout)
	if err != nil {
		t.Fatalf("BuildDescriptors() error = %v", err)
	}

	tests := []struct {
		name     string
		descType uint8
		index    uint8
		want     string
		wantErr  bool
	}{
		{"manufacturer", DescriptorTypeString, StringManufacturer, "Embassy", false},
		{"product", DescriptorTypeString, StringProduct, "USB", false},
		{"empty serial", DescriptorTypeString, StringSerialNumber, "", true},
		{"out of range", DescriptorTypeString, 9, "", true},
		{"other config", DescriptorTypeConfiguration, 1, "", true},
		{"unknown type", 0x42, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := d.Lookup(tt.descType, tt.index)
			if tt.wantErr {
				if !errors.Is(err, pkg.ErrInvalidRequest) {
					t.Errorf("Lookup() error = %v, want %v", err, pkg.ErrInvalidRequest)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			got, err := DecodeString(desc)
			if err != nil || got != tt.want {
				t.Errorf("DecodeString() = %q, %v, want %q", got, err, tt.want)
			}
		})
	}

	if d.Device()[16] != 0 {
		t.Errorf("serial number index = %d, want 0 for empty string", d.Device()[16])
	}

	lang, err := d.Lookup(DescriptorTypeString, StringLanguage)
	if err != nil || binary.LittleEndian.Uint16(lang[2:4]) != LanguageEnglishUS {
		t.Errorf("language descriptor = %x, %v", lang, err)
	}
}

func TestDecodeStringInvalid(t *testing.T) {
	for _, data := range [][]byte{nil, {2}, {4, DescriptorTypeDevice, 0, 0}, {9, DescriptorTypeString, 0}} {
		if _, err := DecodeString(data); !errors.Is(err, pkg.ErrProtocol) {
			t.Errorf("DecodeString(%x) error = %v, want %v", data, err, pkg.ErrProtocol)
		}
	}
}

func TestParseDeviceDescriptorInvalid(t *testing.T) {
	var info DeviceInfo
	if err := ParseDeviceDescriptor(make([]byte, 4), &info); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("short descriptor error = %v", err)
	}
	bad := make([]byte, DeviceDescriptorSize)
	bad[1] = DescriptorTypeString
	if err := ParseDeviceDescriptor(bad, &info); !errors.Is(err, pkg.ErrProtocol) {
		t.Errorf("wrong type error = %v", err)
	}
}
