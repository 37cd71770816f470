package protocol

import "fmt"

// Opcode is the two byte identifier at the start of every datagram.
type Opcode uint16

const (
	OpSessionRequest   Opcode = 0x0001
	OpSessionReply     Opcode = 0x0002
	OpMultiPacket      Opcode = 0x0003
	OpDisconnect       Opcode = 0x0005
	OpPing             Opcode = 0x0006
	OpNetStatusRequest Opcode = 0x0007
	OpNetStatusReply   Opcode = 0x0008
	OpData             Opcode = 0x0009
	OpDataFragment     Opcode = 0x000D
	OpOutOfOrder       Opcode = 0x0011
	OpAck              Opcode = 0x0015
	OpFatalError       Opcode = 0x001D
	OpFatalErrorReply  Opcode = 0x001E
)

// Channels is the number of reliable channels encoded in the data opcodes.
const Channels = 4

// Kind names a packet variant independent of its channel.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSessionRequest
	KindSessionReply
	KindMultiPacket
	KindDisconnect
	KindPing
	KindNetStatusRequest
	KindData
	KindDataFragment
	KindOutOfOrder
	KindAck
	KindFatalError
	KindFatalErrorReply
)

var kindNames = map[Kind]string{
	KindUnknown:          "Unknown",
	KindSessionRequest:   "SessionRequest",
	KindSessionReply:     "SessionReply",
	KindMultiPacket:      "MultiPacket",
	KindDisconnect:       "Disconnect",
	KindPing:             "Ping",
	KindNetStatusRequest: "NetStatusRequest",
	KindData:             "Data",
	KindDataFragment:     "DataFragment",
	KindOutOfOrder:       "OutOfOrder",
	KindAck:              "Ack",
	KindFatalError:       "FatalError",
	KindFatalErrorReply:  "FatalErrorReply",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// KindOf maps an opcode to its kind and channel. Unknown opcodes (including
// NetStatusReply, which the engine never consumes) yield KindUnknown.
func KindOf(op Opcode) (Kind, uint8) {
	switch {
	case op == OpSessionRequest:
		return KindSessionRequest, 0
	case op == OpSessionReply:
		return KindSessionReply, 0
	case op == OpMultiPacket:
		return KindMultiPacket, 0
	case op == OpDisconnect:
		return KindDisconnect, 0
	case op == OpPing:
		return KindPing, 0
	case op == OpNetStatusRequest:
		return KindNetStatusRequest, 0
	case op >= OpData && op < OpData+Channels:
		return KindData, uint8(op - OpData)
	case op >= OpDataFragment && op < OpDataFragment+Channels:
		return KindDataFragment, uint8(op - OpDataFragment)
	case op >= OpOutOfOrder && op < OpOutOfOrder+Channels:
		return KindOutOfOrder, uint8(op - OpOutOfOrder)
	case op >= OpAck && op < OpAck+Channels:
		return KindAck, uint8(op - OpAck)
	case op == OpFatalError:
		return KindFatalError, 0
	case op == OpFatalErrorReply:
		return KindFatalErrorReply, 0
	}
	return KindUnknown, 0
}

// hasChecksum reports whether datagrams of this kind carry the session checksum.
// The handshake packets are exchanged before a checksum has been agreed.
func hasChecksum(k Kind) bool {
	return k != KindSessionRequest && k != KindSessionReply
}

// hasCompressionFlag reports whether the kind carries the compression flag byte
// when the session negotiated compression.
func hasCompressionFlag(k Kind) bool {
	return k == KindData || k == KindDataFragment
}

// PeekOpcode returns the opcode of a raw datagram without decoding it.
func PeekOpcode(raw []byte) (Opcode, bool) {
	if len(raw) < 2 {
		return 0, false
	}
	return Opcode(uint16(raw[0])<<8 | uint16(raw[1])), true
}
