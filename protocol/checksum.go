package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum returns the CRC-32 of data seeded with the session checksum seed.
// The seed is fed to the IEEE polynomial as four little-endian bytes ahead of
// the data.
func Checksum(data []byte, seed uint32) uint32 {
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], seed)
	crc := crc32.Update(0, crc32.IEEETable, s[:])
	return crc32.Update(crc, crc32.IEEETable, data)
}

// appendChecksum appends the low-order length bytes of the checksum, big-endian.
func appendChecksum(b []byte, seed uint32, length uint8) []byte {
	crc := Checksum(b, seed)
	switch length {
	case 1:
		return append(b, byte(crc))
	case 2:
		return binary.BigEndian.AppendUint16(b, uint16(crc))
	}
	return b
}

// verifyChecksum checks and strips the trailing checksum.
func verifyChecksum(raw []byte, seed uint32, length uint8) ([]byte, error) {
	if length == 0 {
		return raw, nil
	}
	n := int(length)
	if len(raw) < 2+n {
		return nil, ErrTruncated
	}
	body, tail := raw[:len(raw)-n], raw[len(raw)-n:]
	crc := Checksum(body, seed)

	var want uint32
	switch length {
	case 1:
		want = uint32(tail[0])
		crc &= 0xFF
	case 2:
		want = uint32(binary.BigEndian.Uint16(tail))
		crc &= 0xFFFF
	default:
		return nil, ErrFieldOverflow
	}
	if crc != want {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}
