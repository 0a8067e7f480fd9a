package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWholePayload(t *testing.T) {
	buf := make([]byte, 4)
	var pos int64

	n, err := Read(buf, len(buf), &pos)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "hoge", string(buf[:n]))
	assert.Equal(t, int64(4), pos)
}

func TestReadEveryOffsetAndCount(t *testing.T) {
	want := Bytes()
	for off := 0; off < Len(); off++ {
		for count := 0; count <= Len()+2; count++ {
			buf := make([]byte, count)
			pos := int64(off)

			n, err := Read(buf, count, &pos)
			require.NoError(t, err, "off=%d count=%d", off, count)

			expected := min(count, Len()-off)
			assert.Equal(t, expected, n, "off=%d count=%d", off, count)
			assert.Equal(t, want[off:off+n], buf[:n], "off=%d count=%d", off, count)
			assert.Equal(t, int64(off+n), pos, "cursor off=%d count=%d", off, count)
		}
	}
}

func TestReadNegativeOffset(t *testing.T) {
	for _, off := range []int64{-1, -4, -1 << 40} {
		buf := make([]byte, 8)
		pos := off

		n, err := Read(buf, len(buf), &pos)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Zero(t, n)
		assert.Equal(t, off, pos, "cursor must not move")
		assert.Equal(t, make([]byte, 8), buf, "nothing may be copied")
	}
}

func TestReadAtOrPastEnd(t *testing.T) {
	for _, off := range []int64{int64(Len()), int64(Len()) + 1, 1 << 40} {
		pos := off
		n, err := Read(make([]byte, 8), 8, &pos)
		assert.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, off, pos)
	}
}

func TestReadZeroCount(t *testing.T) {
	var pos int64
	n, err := Read(make([]byte, 8), 0, &pos)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, pos)
}

func TestReadFaultyBuffer(t *testing.T) {
	var pos int64
	n, err := Read(nil, 4, &pos)
	assert.ErrorIs(t, err, ErrFaultyBuffer)
	assert.Zero(t, n)
	assert.Zero(t, pos)
}

func TestReadShortBufferIsPartial(t *testing.T) {
	buf := make([]byte, 2)
	pos := int64(1)

	n, err := Read(buf, 3, &pos)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "og", string(buf))
	assert.Equal(t, int64(3), pos)
}

func TestSequentialReadsAdvanceCursor(t *testing.T) {
	var pos int64
	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := Read(buf, len(buf), &pos)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "hoge", string(got))
}

func TestBytesReturnsCopy(t *testing.T) {
	b := Bytes()
	b[0] = 'X'
	assert.Equal(t, "hoge", string(Bytes()))
}
