// Package limits provides centralized size constants and validation functions
// for the SOE transport.
//
// # Datagram Sizes
//
// Each side of a session announces the largest datagram it is willing to
// receive. The announced size of the remote side minus FragmentOverhead is the
// largest payload the output stream will place into a single Data packet:
//
//	threshold := limits.FragmentSize(clientUDPLength)
//
// # Reassembly Bounds
//
// A first fragment announces the total length of the payload it starts.
// ValidateReassembledLength rejects announcements larger than
// MaxReassembledPayload so a hostile peer cannot force large allocations.
package limits
