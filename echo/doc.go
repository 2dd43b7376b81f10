// Package echo implements the serial echo task.
//
// The task runs a two-state machine on top of a [Transport]:
//
//   - Waiting: suspended in [Transport.WaitConnection] until a host opens
//     the port.
//   - Echoing: read one packet, write exactly the bytes read back to the
//     host, repeat. A read always completes before its write begins, and a
//     message longer than one packet is echoed packet by packet.
//
// Transfer failures are reported as [pkg.EndpointError] values and mapped
// as follows:
//
//   - EndpointDisabled ends the connection ([ErrDisconnected]); the task
//     clears its packet buffer and goes back to waiting.
//   - EndpointOverflow is a broken capacity contract and is returned from
//     [Task.Run] as a [*FatalError]. It is never retried.
//
// The packet buffer is allocated once in [New] and reused for every
// transfer.
package echo
