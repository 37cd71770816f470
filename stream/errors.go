package stream

import "errors"

var (
	// ErrNoKey indicates encryption was enabled on a stream built without a key
	ErrNoKey = errors.New("stream has no session key")

	// ErrEmptyPayload indicates an attempt to send nothing
	ErrEmptyPayload = errors.New("empty payload")

	// ErrBadFragment indicates a fragment run that cannot be reassembled
	ErrBadFragment = errors.New("bad fragment")

	// ErrFragmentSize indicates a fragment threshold too small to carry the length prefix
	ErrFragmentSize = errors.New("fragment size too small")
)
