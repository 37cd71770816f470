package crypto

import (
	"crypto/rc4"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrEmptyKey indicates no key material was supplied
	ErrEmptyKey = errors.New("empty session key")

	// ErrCipherClosed indicates the cipher was used after Close
	ErrCipherClosed = errors.New("session cipher closed")
)

// SessionCipher is the RC4 keystream for one direction of one session.
// The keystream advances with every call, so callers must feed payloads in
// sequence order and exactly once.
type SessionCipher struct {
	key []byte
	c   *rc4.Cipher
}

// NewSessionCipher creates a keystream from key. The key is copied.
func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)

	c, err := rc4.NewCipher(k)
	if err != nil {
		ZeroBytes(k)
		NewLogger("NewSessionCipher").WithError(err, "rc4_init").Warn("Rejected session key")
		return nil, fmt.Errorf("rc4 key: %w", err)
	}
	NewLogger("NewSessionCipher").WithField("key_size", len(k)).Debug("Session cipher ready")
	return &SessionCipher{key: k, c: c}, nil
}

// Apply returns data XORed with the next len(data) bytes of the keystream.
// data is not modified.
func (s *SessionCipher) Apply(data []byte) ([]byte, error) {
	if s.c == nil {
		return nil, ErrCipherClosed
	}
	out := make([]byte, len(data))
	s.c.XORKeyStream(out, data)
	return out, nil
}

// Close wipes the key copy and the keystream state.
func (s *SessionCipher) Close() {
	if s.c == nil {
		return
	}
	s.c.Reset()
	s.c = nil
	ZeroBytes(s.key)
}

// ParseKey decodes a base64 session key as it appears in configuration.
func ParseKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, ErrEmptyKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return key, nil
}
