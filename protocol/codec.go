package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/opd-ai/soenet/limits"
)

// Encode frames a packet for transmission with the given session parameters.
// Failures are returned as *EncodeError naming the kind and the parameters.
func Encode(p Packet, params Params) ([]byte, error) {
	if p == nil {
		return nil, &EncodeError{Kind: KindUnknown, Params: params, Err: ErrMissingField}
	}
	if params.CRCLength > limits.MaxChecksumLength {
		return nil, &EncodeError{Kind: p.Kind(), Params: params, Err: fmt.Errorf("%w: crc length %d", ErrFieldOverflow, params.CRCLength)}
	}

	b, err := appendPacket(make([]byte, 0, 64), p, params, false)
	if err != nil {
		return nil, &EncodeError{Kind: p.Kind(), Params: params, Err: err}
	}
	if hasChecksum(p.Kind()) {
		b = appendChecksum(b, params.CRCSeed, params.CRCLength)
	}
	return b, nil
}

// Decode parses one datagram. Decoded byte fields alias raw.
func Decode(raw []byte, params Params) (Packet, error) {
	op, ok := PeekOpcode(raw)
	if !ok {
		return nil, &DecodeError{Err: ErrTruncated}
	}
	kind, _ := KindOf(op)
	if kind == KindUnknown {
		return nil, &DecodeError{Opcode: op, Err: ErrUnknownOpcode}
	}

	body := raw
	if hasChecksum(kind) {
		var err error
		if body, err = verifyChecksum(raw, params.CRCSeed, params.CRCLength); err != nil {
			return nil, &DecodeError{Opcode: op, Err: err}
		}
	}

	p, err := decodePacket(body, params, false)
	if err != nil {
		return nil, &DecodeError{Opcode: op, Err: err}
	}
	return p, nil
}

func appendOpcode(b []byte, op Opcode) []byte {
	return binary.BigEndian.AppendUint16(b, uint16(op))
}

func channelOpcode(base Opcode, channel uint8) (Opcode, error) {
	if channel >= Channels {
		return 0, fmt.Errorf("%w: channel %d", ErrFieldOverflow, channel)
	}
	return base + Opcode(channel), nil
}

func appendPacket(b []byte, p Packet, params Params, nested bool) ([]byte, error) {
	switch p := p.(type) {
	case *SessionRequest:
		if strings.IndexByte(p.Protocol, 0) >= 0 {
			return nil, fmt.Errorf("%w: protocol name contains NUL", ErrFieldOverflow)
		}
		b = appendOpcode(b, OpSessionRequest)
		b = binary.BigEndian.AppendUint32(b, p.CRCLength)
		b = binary.BigEndian.AppendUint32(b, p.SessionID)
		b = binary.BigEndian.AppendUint32(b, p.UDPLength)
		b = append(b, p.Protocol...)
		return append(b, 0), nil

	case *SessionReply:
		if p.CRCLength > limits.MaxChecksumLength {
			return nil, fmt.Errorf("%w: crc length %d", ErrFieldOverflow, p.CRCLength)
		}
		b = appendOpcode(b, OpSessionReply)
		b = binary.BigEndian.AppendUint32(b, p.SessionID)
		b = binary.BigEndian.AppendUint32(b, p.CRCSeed)
		b = append(b, p.CRCLength)
		b = binary.BigEndian.AppendUint16(b, p.Compression)
		return binary.BigEndian.AppendUint32(b, p.UDPLength), nil

	case *Disconnect:
		b = appendOpcode(b, OpDisconnect)
		b = binary.BigEndian.AppendUint32(b, p.SessionID)
		return binary.BigEndian.AppendUint16(b, p.Reason), nil

	case *Ping:
		return appendOpcode(b, OpPing), nil

	case *NetStatusRequest:
		b = appendOpcode(b, OpNetStatusRequest)
		b = binary.BigEndian.AppendUint16(b, p.ClientTickCount)
		b = binary.BigEndian.AppendUint32(b, p.LastClientUpdate)
		b = binary.BigEndian.AppendUint32(b, p.AverageUpdate)
		b = binary.BigEndian.AppendUint32(b, p.ShortestUpdate)
		b = binary.BigEndian.AppendUint32(b, p.LongestUpdate)
		b = binary.BigEndian.AppendUint32(b, p.LastServerUpdate)
		b = binary.BigEndian.AppendUint64(b, p.PacketsSent)
		b = binary.BigEndian.AppendUint64(b, p.PacketsReceived)
		return binary.BigEndian.AppendUint16(b, p.Unknown), nil

	case *Data:
		return appendData(b, OpData, p.Channel, p.Sequence, p.Payload, params)

	case *DataFragment:
		return appendData(b, OpDataFragment, p.Channel, p.Sequence, p.Payload, params)

	case *Ack:
		op, err := channelOpcode(OpAck, p.Channel)
		if err != nil {
			return nil, err
		}
		b = appendOpcode(b, op)
		return binary.BigEndian.AppendUint16(b, p.Sequence), nil

	case *OutOfOrder:
		op, err := channelOpcode(OpOutOfOrder, p.Channel)
		if err != nil {
			return nil, err
		}
		b = appendOpcode(b, op)
		return binary.BigEndian.AppendUint16(b, p.Sequence), nil

	case *MultiPacket:
		if nested {
			return nil, ErrNestedMultiPacket
		}
		if len(p.Packets) == 0 {
			return nil, fmt.Errorf("%w: no sub-packets", ErrMissingField)
		}
		b = appendOpcode(b, OpMultiPacket)
		for _, sub := range p.Packets {
			if sub == nil {
				return nil, fmt.Errorf("%w: nil sub-packet", ErrMissingField)
			}
			inner, err := appendPacket(nil, sub, params, true)
			if err != nil {
				return nil, fmt.Errorf("sub-packet %s: %w", sub.Kind(), err)
			}
			b = AppendLength(b, len(inner))
			b = append(b, inner...)
		}
		return b, nil

	case *FatalError:
		return appendOpcode(b, OpFatalError), nil

	case *FatalErrorReply:
		return appendOpcode(b, OpFatalErrorReply), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownOpcode, p)
}

func appendData(b []byte, base Opcode, channel uint8, seq uint16, payload []byte, params Params) ([]byte, error) {
	op, err := channelOpcode(base, channel)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload", ErrMissingField)
	}
	b = appendOpcode(b, op)
	if params.Compressed() {
		if packed, ok := deflate(payload); ok {
			b = append(b, flagCompressed)
			payload = packed
		} else {
			b = append(b, flagUncompressed)
		}
	}
	b = binary.BigEndian.AppendUint16(b, seq)
	return append(b, payload...), nil
}

// reader is a big-endian cursor with a sticky error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrTruncated
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if v := r.take(2); v != nil {
		return binary.BigEndian.Uint16(v)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if v := r.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if v := r.take(8); v != nil {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.b, 0)
	if i < 0 {
		r.err = ErrTruncated
		return ""
	}
	s := string(r.b[:i])
	r.b = r.b[i+1:]
	return s
}

func decodePacket(b []byte, params Params, nested bool) (Packet, error) {
	op, ok := PeekOpcode(b)
	if !ok {
		return nil, ErrTruncated
	}
	kind, channel := KindOf(op)
	r := &reader{b: b[2:]}

	var p Packet
	switch kind {
	case KindSessionRequest:
		p = &SessionRequest{
			CRCLength: r.u32(),
			SessionID: r.u32(),
			UDPLength: r.u32(),
			Protocol:  r.cstring(),
		}
	case KindSessionReply:
		p = &SessionReply{
			SessionID:   r.u32(),
			CRCSeed:     r.u32(),
			CRCLength:   r.u8(),
			Compression: r.u16(),
			UDPLength:   r.u32(),
		}
	case KindDisconnect:
		p = &Disconnect{SessionID: r.u32(), Reason: r.u16()}
	case KindPing:
		p = &Ping{}
	case KindNetStatusRequest:
		p = &NetStatusRequest{
			ClientTickCount:  r.u16(),
			LastClientUpdate: r.u32(),
			AverageUpdate:    r.u32(),
			ShortestUpdate:   r.u32(),
			LongestUpdate:    r.u32(),
			LastServerUpdate: r.u32(),
			PacketsSent:      r.u64(),
			PacketsReceived:  r.u64(),
			Unknown:          r.u16(),
		}
	case KindData, KindDataFragment:
		seq, payload, err := readData(r, params)
		if err != nil {
			return nil, err
		}
		if kind == KindData {
			p = &Data{Channel: channel, Sequence: seq, Payload: payload}
		} else {
			p = &DataFragment{Channel: channel, Sequence: seq, Payload: payload}
		}
	case KindAck:
		p = &Ack{Channel: channel, Sequence: r.u16()}
	case KindOutOfOrder:
		p = &OutOfOrder{Channel: channel, Sequence: r.u16()}
	case KindMultiPacket:
		if nested {
			return nil, ErrNestedMultiPacket
		}
		return decodeMulti(r.b, params)
	case KindFatalError:
		p = &FatalError{}
	case KindFatalErrorReply:
		p = &FatalErrorReply{}
	default:
		return nil, ErrUnknownOpcode
	}

	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

func readData(r *reader, params Params) (uint16, []byte, error) {
	compressed := false
	if params.Compressed() {
		compressed = r.u8() == flagCompressed
	}
	seq := r.u16()
	if r.err != nil {
		return 0, nil, r.err
	}
	payload := r.b
	r.b = nil
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrTruncated)
	}
	if compressed {
		var err error
		if payload, err = inflate(payload); err != nil {
			return 0, nil, err
		}
	}
	return seq, payload, nil
}

// decodeMulti decodes every sub-packet it can. A malformed or nested
// sub-packet is skipped; a length running past the end stops the walk.
func decodeMulti(b []byte, params Params) (*MultiPacket, error) {
	m := &MultiPacket{}
	for len(b) > 0 {
		n, size, err := ReadLength(b)
		if err != nil || size+n > len(b) || n == 0 {
			m.Skipped++
			break
		}
		sub := b[size : size+n]
		b = b[size+n:]

		p, err := decodePacket(sub, params, true)
		if err != nil {
			m.Skipped++
			continue
		}
		m.Packets = append(m.Packets, p)
	}
	return m, nil
}
