package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated indicates a datagram or field ended early
	ErrTruncated = errors.New("truncated packet")

	// ErrUnknownOpcode indicates an opcode outside the table
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrChecksumMismatch indicates the trailing checksum did not match
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNestedMultiPacket indicates a MultiPacket inside a MultiPacket
	ErrNestedMultiPacket = errors.New("nested multipacket")

	// ErrMissingField indicates a required field was not set
	ErrMissingField = errors.New("missing required field")

	// ErrFieldOverflow indicates a field does not fit its wire width
	ErrFieldOverflow = errors.New("field does not fit wire width")

	// ErrBadCompression indicates a compressed payload could not be inflated
	ErrBadCompression = errors.New("bad compressed payload")
)

// EncodeError describes a packet that could not be framed.
type EncodeError struct {
	Kind   Kind
	Params Params
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s (crc seed %d, crc length %d, compression %#04x): %v",
		e.Kind, e.Params.CRCSeed, e.Params.CRCLength, e.Params.Compression, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError describes a datagram that could not be decoded.
type DecodeError struct {
	Opcode Opcode
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode opcode %#04x: %v", uint16(e.Opcode), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
