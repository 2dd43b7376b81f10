// Package cdc implements the USB CDC-ACM serial function of the echo device.
//
// A CDC-ACM function consists of two interfaces:
//
//   - Control Interface (Communications Class): handles SET_LINE_CODING,
//     GET_LINE_CODING, SET_CONTROL_LINE_STATE and SEND_BREAK, and owns the
//     interrupt notification endpoint
//   - Data Interface (Data Class): one bulk IN and one bulk OUT endpoint
//
// # Descriptors
//
// [BuildDescriptors] encodes the device, configuration, BOS and string
// descriptors once, into buffers sized by a [Layout]. With
// [Identity.CompositeIAD] set, the two interfaces are grouped by an
// Interface Association Descriptor and the device reports the
// Miscellaneous class, which Windows needs to bind its serial driver.
//
// # Class and bus sides
//
// An [ACM] has two faces. The class side is what the echo task uses:
//
//	acm.WaitConnection(ctx)
//	n, err := acm.ReadPacket(ctx, buf)
//	err = acm.WritePacket(ctx, buf[:n])
//
// The bus side is driven by whatever services the link:
//
//	n, err := acm.HandleSetup(&setup, data, resp)
//	err = acm.DeliverOut(ctx, packet)
//	t, err := acm.NextIn(ctx)
//	acm.CompleteIn(t, nil)
//
// The data endpoints are enabled by SET_CONFIGURATION with a non-zero
// value and disabled by bus reset, detach, or SET_CONFIGURATION(0). A
// transfer in flight when the endpoints are disabled fails with
// [pkg.EndpointDisabled]. Line coding and control line state are tracked
// and reported through callbacks but do not affect data flow.
package cdc
