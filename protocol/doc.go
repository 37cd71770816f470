// Package protocol implements the SOE wire codec: the opcode table, the closed
// set of packet kinds, the truncated session checksum, optional zlib
// compression of data payloads and the MultiPacket container.
//
// # Wire Format
//
// Every datagram starts with a two byte big-endian opcode. The body layout
// depends on the kind. Once a session has agreed on a checksum length, every
// datagram except SessionRequest and SessionReply ends with that many bytes
// of a CRC-32 seeded with the session's checksum seed:
//
//	[opcode:2][body][checksum:0|1|2]
//
// Reliable data opcodes encode a channel number: Data uses 0x09-0x0C,
// DataFragment 0x0D-0x10, OutOfOrder 0x11-0x14 and Ack 0x15-0x18.
//
// # Decoding
//
//	pkt, err := protocol.Decode(raw, params)
//	if err != nil {
//	    // drop the datagram
//	}
//	switch p := pkt.(type) {
//	case *protocol.Data:
//	    ...
//	}
//
// A MultiPacket may not contain another MultiPacket. A nested container is a
// decode failure for that sub-packet only; the remaining sub-packets are
// returned and MultiPacket.Skipped counts what was dropped.
package protocol
