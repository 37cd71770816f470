package stream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/soenet/crypto"
	"github.com/opd-ai/soenet/limits"
	"github.com/opd-ai/soenet/protocol"
)

// Gap reports a packet that arrived ahead of the next expected sequence.
type Gap struct {
	Expected uint16
	Received uint16
}

// InputResult is the outcome of one Input.Write.
type InputResult struct {
	// Delivered holds complete application payloads in sequence order.
	Delivered [][]byte
	// Ack is the new cumulative cursor; valid when Acked is true.
	Ack   uint16
	Acked bool
	// OutOfOrder is set when the write opened or widened a gap.
	OutOfOrder *Gap
	// Missing lists, oldest first, the sequences still absent in front of
	// buffered packets. It is set whenever packets remain buffered after the
	// write, so filling one of several gaps reports the ones left.
	Missing []uint16
}

type early struct {
	payload  []byte
	fragment bool
}

// Input reassembles the inbound reliable stream of one session.
type Input struct {
	expected uint16
	early    map[uint16]early

	fragment      []byte
	fragmentTotal int

	cipher  *crypto.SessionCipher
	encrypt bool

	cursor    uint16
	hasCursor bool
}

// NewInput creates an input stream expecting sequence 0. A nil key yields a
// stream that can never enable encryption.
func NewInput(key []byte) (*Input, error) {
	in := &Input{early: make(map[uint16]early)}
	if len(key) > 0 {
		c, err := crypto.NewSessionCipher(key)
		if err != nil {
			return nil, err
		}
		in.cipher = c
	}
	return in, nil
}

// SetEncryption turns decryption of delivered payloads on or off.
func (in *Input) SetEncryption(on bool) error {
	if on && in.cipher == nil {
		return ErrNoKey
	}
	in.encrypt = on
	return nil
}

// Encrypted reports whether delivered payloads are decrypted.
func (in *Input) Encrypted() bool {
	return in.encrypt
}

// Expected returns the next sequence the stream will deliver.
func (in *Input) Expected() uint16 {
	return in.expected
}

// Cursor returns the cumulative acknowledgment cursor and whether anything
// has been acknowledged yet.
func (in *Input) Cursor() (uint16, bool) {
	return in.cursor, in.hasCursor
}

// Buffered returns the number of early packets waiting for a gap to fill.
func (in *Input) Buffered() int {
	return len(in.early)
}

// Write feeds one Data (fragment false) or DataFragment (fragment true) packet.
// Stale and duplicate sequences produce an empty result and change nothing.
// A non-nil error reports payloads that were consumed but could not be
// delivered; the sequence state still advanced.
func (in *Input) Write(payload []byte, seq uint16, fragment bool) (InputResult, error) {
	var res InputResult

	d := Diff(seq, in.expected)
	if d < 0 {
		return res, nil
	}
	if d > 0 {
		if _, dup := in.early[seq]; dup || len(in.early) >= limits.MaxBufferedPackets {
			return res, nil
		}
		in.early[seq] = early{payload: payload, fragment: fragment}
		res.OutOfOrder = &Gap{Expected: in.expected, Received: seq}
		res.Missing = in.missing(limits.MaxOutOfOrderBatch)
		return res, nil
	}

	var errs []error
	if err := in.accept(&res, payload, fragment); err != nil {
		errs = append(errs, err)
	}
	in.expected++

	for {
		next, ok := in.early[in.expected]
		if !ok {
			break
		}
		delete(in.early, in.expected)
		if err := in.accept(&res, next.payload, next.fragment); err != nil {
			errs = append(errs, err)
		}
		in.expected++
	}

	in.cursor = in.expected - 1
	in.hasCursor = true
	res.Ack = in.cursor
	res.Acked = true
	if len(in.early) > 0 {
		res.Missing = in.missing(limits.MaxOutOfOrderBatch)
	}
	return res, errors.Join(errs...)
}

// Holds reports whether seq was already delivered or is buffered.
func (in *Input) Holds(seq uint16) bool {
	if Diff(seq, in.expected) < 0 {
		return true
	}
	_, ok := in.early[seq]
	return ok
}

// missing returns up to max sequences between expected and the newest
// buffered packet that have not arrived.
func (in *Input) missing(max int) []uint16 {
	if len(in.early) == 0 {
		return nil
	}
	newest := in.expected
	for seq := range in.early {
		newest = Max(newest, seq)
	}
	var out []uint16
	for seq := in.expected; seq != newest && len(out) < max; seq++ {
		if _, ok := in.early[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// accept consumes one in-order packet.
func (in *Input) accept(res *InputResult, payload []byte, fragment bool) error {
	if !fragment {
		return in.deliver(res, payload)
	}

	if in.fragmentTotal == 0 {
		if len(payload) < limits.FragmentLengthPrefix {
			return fmt.Errorf("%w: first fragment of %d bytes", ErrBadFragment, len(payload))
		}
		total := binary.BigEndian.Uint32(payload)
		if err := limits.ValidateReassembledLength(total); err != nil {
			return fmt.Errorf("%w: %v", ErrBadFragment, err)
		}
		in.fragmentTotal = int(total)
		in.fragment = make([]byte, 0, total)
		payload = payload[limits.FragmentLengthPrefix:]
	}

	in.fragment = append(in.fragment, payload...)
	if len(in.fragment) < in.fragmentTotal {
		return nil
	}

	data, total := in.fragment, in.fragmentTotal
	in.fragment, in.fragmentTotal = nil, 0
	if len(data) > total {
		return fmt.Errorf("%w: reassembled %d bytes, announced %d", ErrBadFragment, len(data), total)
	}
	return in.deliver(res, data)
}

func (in *Input) deliver(res *InputResult, data []byte) error {
	if !protocol.IsAppBundle(data) {
		out, err := in.decrypt(data)
		if err != nil {
			return err
		}
		res.Delivered = append(res.Delivered, out)
		return nil
	}

	parts, unpackErr := protocol.UnpackAppBundle(data)
	for _, part := range parts {
		out, err := in.decrypt(part)
		if err != nil {
			return err
		}
		res.Delivered = append(res.Delivered, out)
	}
	return unpackErr
}

func (in *Input) decrypt(data []byte) ([]byte, error) {
	if !in.encrypt {
		return data, nil
	}
	// A ciphertext that starts with 0x00 travels with one extra 0x00 in front.
	if len(data) > 1 && data[0] == 0 {
		data = data[1:]
	}
	return in.cipher.Apply(data)
}

// Close releases the key material.
func (in *Input) Close() {
	if in.cipher != nil {
		in.cipher.Close()
	}
	in.early = make(map[uint16]early)
	in.fragment, in.fragmentTotal = nil, 0
}
