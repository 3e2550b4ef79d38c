package wire

import (
	"errors"
	"io"
)

// ErrVarintTooLong is returned when a varint exceeds the maximum encodable
// width for a uint64 (10 continuation bytes).
var ErrVarintTooLong = errors.New("wire: varint too long")

// PutUvarint appends the LEB128 encoding of v to w, matching the shape used
// by multiformats/go-varint (continuation bit in the high bit of each byte,
// little-endian 7-bit groups) without depending on that module.
func PutUvarint(w io.Writer, v uint64) error {
	var buf [10]byte
	n := 0
	for v >= 0x80 {
		buf[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	buf[n] = byte(v)
	n++
	_, err := w.Write(buf[:n])
	return err
}

// ReadUvarint decodes a LEB128 unsigned varint from r.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			if i == 9 && b > 1 {
				return 0, ErrVarintTooLong
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, ErrVarintTooLong
}
