// Package firmware assembles the echo device: a device poll task that
// services the bus, the echo task that serves the host, and a heartbeat
// that blinks a status LED. All three run under one cooperative scheduler,
// so exactly one of them executes at a time.
//
// A transport overflow means the packet buffer is smaller than what the
// bus can deliver. That is a configuration defect, so [Firmware.Serve]
// logs it and halts instead of retrying.
package firmware
