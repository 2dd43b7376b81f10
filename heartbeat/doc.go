// Package heartbeat drives a status output on a fixed schedule.
//
// The task sets the output high, waits one half period, sets it low, waits
// again, and repeats for as long as its context lives. It has no dependency
// on the USB connection and no failure modes of its own.
package heartbeat
