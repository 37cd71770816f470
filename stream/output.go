package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/soenet/crypto"
	"github.com/opd-ai/soenet/limits"
)

// Emit is one reliable packet produced by Output.
type Emit struct {
	Sequence uint16
	Payload  []byte
	Fragment bool
}

// Output sequences, fragments and retains the outbound reliable stream of one
// session.
type Output struct {
	next         uint16
	sent         bool
	pending      map[uint16]Emit
	fragmentSize int

	cipher  *crypto.SessionCipher
	encrypt bool
}

// NewOutput creates an output stream whose first packet gets sequence 0.
func NewOutput(key []byte) (*Output, error) {
	o := &Output{
		pending:      make(map[uint16]Emit),
		fragmentSize: limits.FragmentSize(limits.DefaultUDPLength),
	}
	if len(key) > 0 {
		c, err := crypto.NewSessionCipher(key)
		if err != nil {
			return nil, err
		}
		o.cipher = c
	}
	return o, nil
}

// SetEncryption turns encryption of written payloads on or off.
func (o *Output) SetEncryption(on bool) error {
	if on && o.cipher == nil {
		return ErrNoKey
	}
	o.encrypt = on
	return nil
}

// Encrypted reports whether written payloads are encrypted.
func (o *Output) Encrypted() bool {
	return o.encrypt
}

// SetFragmentSize sets the largest payload carried by one packet.
func (o *Output) SetFragmentSize(n int) error {
	if n <= limits.FragmentLengthPrefix {
		return fmt.Errorf("%w: %d", ErrFragmentSize, n)
	}
	o.fragmentSize = n
	return nil
}

// FragmentSize returns the current fragment threshold.
func (o *Output) FragmentSize() int {
	return o.fragmentSize
}

// Pending returns the number of packets awaiting acknowledgment.
func (o *Output) Pending() int {
	return len(o.pending)
}

// Write sequences payload into one Data packet, or into DataFragment packets
// when it exceeds the fragment size. With overrideEncryption the payload is
// sent in clear even if encryption is on.
func (o *Output) Write(payload []byte, overrideEncryption bool) ([]Emit, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var data []byte
	if o.encrypt && !overrideEncryption {
		ct, err := o.cipher.Apply(payload)
		if err != nil {
			return nil, err
		}
		if ct[0] == 0 {
			ct = append([]byte{0}, ct...)
		}
		data = ct
	} else {
		// Retained packets must not alias the caller's buffer.
		data = bytes.Clone(payload)
	}

	if len(data) <= o.fragmentSize {
		return []Emit{o.emit(data, false)}, nil
	}

	first := make([]byte, limits.FragmentLengthPrefix, o.fragmentSize)
	binary.BigEndian.PutUint32(first, uint32(len(data)))
	n := o.fragmentSize - limits.FragmentLengthPrefix
	first = append(first, data[:n]...)

	emits := []Emit{o.emit(first, true)}
	for rest := data[n:]; len(rest) > 0; {
		n = min(o.fragmentSize, len(rest))
		emits = append(emits, o.emit(rest[:n:n], true))
		rest = rest[n:]
	}
	return emits, nil
}

func (o *Output) emit(payload []byte, fragment bool) Emit {
	e := Emit{Sequence: o.next, Payload: payload, Fragment: fragment}
	o.pending[e.Sequence] = e
	o.next++
	o.sent = true
	return e
}

// Ack evicts every retained packet at or before seq and returns how many
// were evicted. Acks for sequences never sent are ignored.
func (o *Output) Ack(seq uint16) int {
	if !o.sent || Diff(seq, o.next-1) > 0 {
		return 0
	}
	evicted := 0
	for s := range o.pending {
		if Diff(s, seq) <= 0 {
			delete(o.pending, s)
			evicted++
		}
	}
	return evicted
}

// ResendData returns the retained packet at seq unchanged. It reports false
// when the packet was already acknowledged or never sent.
func (o *Output) ResendData(seq uint16) (Emit, bool) {
	e, ok := o.pending[seq]
	return e, ok
}

// Close releases the key material and drops retained packets.
func (o *Output) Close() {
	if o.cipher != nil {
		o.cipher.Close()
	}
	o.pending = make(map[uint16]Emit)
}
