package pkg

import "errors"

// Device and transport errors.
var (
	// ErrStall indicates the host stalled a control request.
	ErrStall = errors.New("endpoint stalled")

	// ErrCancelled indicates a transfer was abandoned because its bus went away.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a malformed or unexpected frame on the link.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates the device has no active configuration.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidRequest indicates an invalid or unsupported control request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrAlreadyRunning indicates a task or bus is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates a task or bus is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoDevice indicates no device was found on the bus.
	ErrNoDevice = errors.New("device not present")
)

// EndpointError is the failure reported by a packet transfer on a data
// endpoint. It has exactly two values and every consumer must handle both.
type EndpointError uint8

// Endpoint error values.
const (
	// EndpointOverflow means the payload exceeded the buffer capacity. The
	// transport guarantees this never happens, so it is a configuration defect.
	EndpointOverflow EndpointError = iota + 1

	// EndpointDisabled means the endpoint is not active, typically because the
	// host disconnected, reset the bus, or deconfigured the device.
	EndpointDisabled
)

// Sentinels for use with errors.Is.
var (
	ErrOverflow error = EndpointOverflow
	ErrDisabled error = EndpointDisabled
)

// Error implements error.
func (e EndpointError) Error() string {
	switch e {
	case EndpointOverflow:
		return "endpoint buffer overflow"
	case EndpointDisabled:
		return "endpoint disabled"
	default:
		return "unknown endpoint error"
	}
}

// String returns a short name for the error.
func (e EndpointError) String() string {
	switch e {
	case EndpointOverflow:
		return "overflow"
	case EndpointDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the condition is expected during normal
// operation and can be handled by waiting for a new connection.
func (e EndpointError) Recoverable() bool {
	return e == EndpointDisabled
}
