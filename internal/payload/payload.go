// Package payload serves the synthetic content returned by every regular
// file.
package payload

import "errors"

var (
	// ErrInvalidArgument is returned for a negative read offset.
	ErrInvalidArgument = errors.New("payload: invalid argument")
	// ErrFaultyBuffer is returned when the destination can not take any
	// of the requested bytes.
	ErrFaultyBuffer = errors.New("payload: bad destination buffer")
)

// content is shared by all files; there is no per-file payload.
const content = "hoge"

// Len returns the payload length in bytes.
func Len() int { return len(content) }

// Bytes returns a copy of the payload.
func Bytes() []byte { return []byte(content) }

// Read copies up to count payload bytes starting at *pos into dst and
// advances *pos by the number of bytes copied.
//
// Reading at or past the end, or asking for zero bytes, returns 0 and no
// error. If dst is shorter than the clamped request the copy is partial;
// if it can take nothing at all the read fails with ErrFaultyBuffer and
// *pos is left unchanged.
func Read(dst []byte, count int, pos *int64) (int, error) {
	off := *pos
	if off < 0 {
		return 0, ErrInvalidArgument
	}
	if off >= int64(len(content)) || count <= 0 {
		return 0, nil
	}
	if avail := len(content) - int(off); count > avail {
		count = avail
	}

	n := copy(dst, content[off:int(off)+count])
	if n == 0 {
		return 0, ErrFaultyBuffer
	}
	*pos = off + int64(n)
	return n, nil
}
