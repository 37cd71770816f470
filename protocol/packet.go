package protocol

// Packet is a decoded protocol unit. The set of implementations is closed:
// only the types in this file satisfy it.
type Packet interface {
	Kind() Kind
	isPacket()
}

// Params are the per-session settings the codec needs.
type Params struct {
	CRCSeed     uint32
	CRCLength   uint8
	Compression uint16
}

// Compressed reports whether data payloads carry the compression flag.
func (p Params) Compressed() bool {
	return p.Compression != 0
}

// SessionRequest opens a session.
type SessionRequest struct {
	CRCLength uint32
	SessionID uint32
	UDPLength uint32
	Protocol  string
}

// SessionReply accepts a session and announces the server-chosen parameters.
type SessionReply struct {
	SessionID   uint32
	CRCSeed     uint32
	CRCLength   uint8
	Compression uint16
	UDPLength   uint32
}

// Disconnect closes a session.
type Disconnect struct {
	SessionID uint32
	Reason    uint16
}

// Ping is a keep-alive probe. It has no body.
type Ping struct{}

// NetStatusRequest carries client-side link statistics.
type NetStatusRequest struct {
	ClientTickCount  uint16
	LastClientUpdate uint32
	AverageUpdate    uint32
	ShortestUpdate   uint32
	LongestUpdate    uint32
	LastServerUpdate uint32
	PacketsSent      uint64
	PacketsReceived  uint64
	Unknown          uint16
}

// Data carries one complete reliable payload.
type Data struct {
	Channel  uint8
	Sequence uint16
	Payload  []byte
}

// DataFragment carries one piece of a fragmented reliable payload.
type DataFragment struct {
	Channel  uint8
	Sequence uint16
	Payload  []byte
}

// Ack acknowledges every sequence up to and including Sequence.
type Ack struct {
	Channel  uint8
	Sequence uint16
}

// OutOfOrder asks the peer to resend Sequence.
type OutOfOrder struct {
	Channel  uint8
	Sequence uint16
}

// MultiPacket bundles several packets in one datagram.
type MultiPacket struct {
	Packets []Packet
	// Skipped counts sub-packets dropped while decoding.
	Skipped int
}

// FatalError reports an unrecoverable protocol error.
type FatalError struct{}

// FatalErrorReply acknowledges a FatalError.
type FatalErrorReply struct{}

func (*SessionRequest) Kind() Kind   { return KindSessionRequest }
func (*SessionReply) Kind() Kind     { return KindSessionReply }
func (*Disconnect) Kind() Kind       { return KindDisconnect }
func (*Ping) Kind() Kind             { return KindPing }
func (*NetStatusRequest) Kind() Kind { return KindNetStatusRequest }
func (*Data) Kind() Kind             { return KindData }
func (*DataFragment) Kind() Kind     { return KindDataFragment }
func (*Ack) Kind() Kind              { return KindAck }
func (*OutOfOrder) Kind() Kind       { return KindOutOfOrder }
func (*MultiPacket) Kind() Kind      { return KindMultiPacket }
func (*FatalError) Kind() Kind       { return KindFatalError }
func (*FatalErrorReply) Kind() Kind  { return KindFatalErrorReply }

func (*SessionRequest) isPacket()   {}
func (*SessionReply) isPacket()     {}
func (*Disconnect) isPacket()       {}
func (*Ping) isPacket()             {}
func (*NetStatusRequest) isPacket() {}
func (*Data) isPacket()             {}
func (*DataFragment) isPacket()     {}
func (*Ack) isPacket()              {}
func (*OutOfOrder) isPacket()       {}
func (*MultiPacket) isPacket()      {}
func (*FatalError) isPacket()       {}
func (*FatalErrorReply) isPacket()  {}
