// Package tdd schedules half-duplex receive and transmit windows against a
// radio's hardware clock.
//
// Every window starts at an absolute device time derived from one reference
// time and the sample rate. Two topologies are supported: strict alternation,
// where a single goroutine receives a window and then transmits a burst
// relative to it, and concurrent alternation, where a receive loop and a
// transmit loop run independently from the same reference time and share
// nothing but a Canceler and an immutable copy of the session parameters.
package tdd
