package protocol

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/opd-ai/soenet/limits"
)

const (
	flagUncompressed byte = 0x00
	flagCompressed   byte = 0x01
)

// deflate returns the compressed payload and true when compression made it
// smaller; otherwise the input and false.
func deflate(payload []byte) ([]byte, bool) {
	if len(payload) <= limits.CompressionMin {
		return payload, false
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

func inflate(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, limits.MaxReassembledPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	if len(out) > limits.MaxReassembledPayload {
		return nil, fmt.Errorf("%w: inflated size exceeds %d", ErrBadCompression, limits.MaxReassembledPayload)
	}
	return out, nil
}
