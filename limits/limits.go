// Package limits provides centralized size constants for the SOE transport.
// This ensures consistent validation across the codec, the streams and the engine.
package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultUDPLength is the datagram size both sides assume before a
	// session request has negotiated one.
	DefaultUDPLength = 512

	// MinUDPLength is the smallest negotiated datagram size the engine accepts.
	// Anything smaller cannot carry a fragment header plus a useful chunk.
	MinUDPLength = 64

	// MaxUDPLength is the largest datagram the engine will read or negotiate.
	MaxUDPLength = 65507

	// FragmentOverhead is the framing cost of a Data or DataFragment packet:
	// opcode (2) + compression flag (1) + sequence (2) + checksum (2).
	FragmentOverhead = 7

	// FragmentLengthPrefix is the size of the total-length header carried by
	// the first fragment of a fragmented payload.
	FragmentLengthPrefix = 4

	// MaxReassembledPayload bounds the total length a first fragment may
	// announce. It prevents a peer from making us allocate arbitrary memory.
	MaxReassembledPayload = 1024 * 1024

	// CompressionMin is the payload size below which compression is skipped.
	CompressionMin = 20

	// MaxOutOfOrderBatch is the number of OutOfOrder notices packed into one
	// MultiPacket by the resend loop.
	MaxOutOfOrderBatch = 20

	// MaxBufferedPackets bounds how many early packets an input stream holds
	// while it waits for a gap to fill.
	MaxBufferedPackets = 4096

	// MaxChecksumLength is the widest truncated checksum the wire allows.
	MaxChecksumLength = 2
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidUDPLength indicates a datagram size outside the accepted range
	ErrInvalidUDPLength = errors.New("invalid udp length")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateReassembledLength checks the total length announced by a first fragment.
func ValidateReassembledLength(total uint32) error {
	if total == 0 {
		return ErrMessageEmpty
	}
	if total > MaxReassembledPayload {
		return fmt.Errorf("%w: announced size %d exceeds limit %d", ErrMessageTooLarge, total, MaxReassembledPayload)
	}
	return nil
}

// ValidateUDPLength checks a negotiated datagram size.
func ValidateUDPLength(n uint32) error {
	if n < MinUDPLength || n > MaxUDPLength {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidUDPLength, n, MinUDPLength, MaxUDPLength)
	}
	return nil
}

// FragmentSize returns the fragment threshold for a peer that announced udpLength.
func FragmentSize(udpLength uint32) int {
	return int(udpLength) - FragmentOverhead
}
