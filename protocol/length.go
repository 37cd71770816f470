package protocol

import (
	"encoding/binary"
	"errors"
)

// appBundleMarker starts a reliable payload that carries several application
// payloads, each prefixed with a variable-width length.
var appBundleMarker = [2]byte{0x00, 0x19}

// ErrNotAppBundle indicates UnpackAppBundle was given a plain payload.
var ErrNotAppBundle = errors.New("not an application bundle")

// AppendLength appends n in the variable-width length encoding:
// one byte below 0xFF, 0xFF + u16 below 0xFFFF, else 0xFF 0xFF 0xFF + u32.
func AppendLength(b []byte, n int) []byte {
	switch {
	case n < 0xFF:
		return append(b, byte(n))
	case n < 0xFFFF:
		b = append(b, 0xFF)
		return binary.BigEndian.AppendUint16(b, uint16(n))
	default:
		b = append(b, 0xFF, 0xFF, 0xFF)
		return binary.BigEndian.AppendUint32(b, uint32(n))
	}
}

// ReadLength decodes a variable-width length and returns it with the number
// of bytes it occupied.
func ReadLength(b []byte) (n int, size int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrTruncated
	}
	if b[0] < 0xFF {
		return int(b[0]), 1, nil
	}
	if len(b) < 3 {
		return 0, 0, ErrTruncated
	}
	if v := binary.BigEndian.Uint16(b[1:3]); v != 0xFFFF {
		return int(v), 3, nil
	}
	if len(b) < 7 {
		return 0, 0, ErrTruncated
	}
	return int(binary.BigEndian.Uint32(b[3:7])), 7, nil
}

// IsAppBundle reports whether payload starts with the bundle marker.
func IsAppBundle(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == appBundleMarker[0] && payload[1] == appBundleMarker[1]
}

// PackAppBundle joins several application payloads into one reliable payload.
func PackAppBundle(payloads [][]byte) []byte {
	size := 2
	for _, p := range payloads {
		size += 7 + len(p)
	}
	out := make([]byte, 0, size)
	out = append(out, appBundleMarker[:]...)
	for _, p := range payloads {
		out = AppendLength(out, len(p))
		out = append(out, p...)
	}
	return out
}

// UnpackAppBundle splits a bundle into its application payloads.
func UnpackAppBundle(payload []byte) ([][]byte, error) {
	if !IsAppBundle(payload) {
		return nil, ErrNotAppBundle
	}
	var out [][]byte
	rest := payload[2:]
	for len(rest) > 0 {
		n, size, err := ReadLength(rest)
		if err != nil {
			return out, err
		}
		rest = rest[size:]
		if n > len(rest) {
			return out, ErrTruncated
		}
		out = append(out, rest[:n:n])
		rest = rest[n:]
	}
	return out, nil
}
