// Package stream implements the two halves of a reliable SOE session.
//
// Output turns application payloads into sequenced Data or DataFragment
// packets, keeps each one until the peer acknowledges it and re-emits single
// packets on request. Input puts arriving packets back in order, reassembles
// fragmented payloads and reports the cumulative acknowledgment cursor and
// any gaps it sees.
//
// Neither type does I/O or holds references to its owner. Every operation
// returns what happened (packets to send, payloads to deliver, gaps to
// report) and the caller decides what to do with it. Neither type is safe
// for concurrent use.
//
// Sequence numbers are 16 bits and wrap. All comparisons go through Diff,
// which treats the sequence space as a circle.
package stream
