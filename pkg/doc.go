// Package pkg provides shared utilities for the cdcecho firmware.
//
// This package contains common functionality used by every task and
// transport, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for device and link failures
//   - The [EndpointError] enumeration reported by packet transfers
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with per-component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEcho, "host connected", "connection", 3)
//
// # Errors
//
// Packet transfers fail with exactly one of two [EndpointError] values.
// Consumers must handle both:
//
//	var ee pkg.EndpointError
//	if errors.As(err, &ee) {
//	    switch ee {
//	    case pkg.EndpointOverflow:
//	        // configuration defect, not retried
//	    case pkg.EndpointDisabled:
//	        // host went away, wait for the next connection
//	    }
//	}
package pkg
