package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vender-ota/helpers"
)

func TestHeaderLayout(t *testing.T) {
	t.Parallel()

	h := Header{
		ImageType:  0,
		Version:    Version{2, 0, 0},
		TotalSize:  10000,
		Offset:     8192,
		TotalCount: 3,
		Index:      2,
	}
	frame := NewFrame(h, bytes.Repeat([]byte{0xaa}, 1808))
	require.Len(t, frame, HeaderSize+1808)
	// '<8s5H2I3H' of reference chunker
	expect := helpers.MustHex("4f5441496d616765" + "2000" + "0000" + "0200" + "0000" + "0000" +
		"10270000" + "00200000" + "1007" + "0300" + "0200")
	assert.Equal(t, expect, frame[:HeaderSize])

	h2, payload, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(HeaderSize), h2.DataStart)
	assert.Equal(t, uint16(1808), h2.PayloadSize)
	assert.Equal(t, h.Version, h2.Version)
	assert.Equal(t, h.Offset, h2.Offset)
	assert.True(t, h2.IsLast())
	assert.Len(t, payload, 1808)
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	good := NewFrame(Header{TotalSize: 4, TotalCount: 1}, []byte("data"))
	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}
	cases := []struct {
		name  string
		input []byte
		check func(testing.TB, error)
	}{
		{"ok", good, func(t testing.TB, err error) { assert.NoError(t, err) }},
		{"short", good[:HeaderSize-1], func(t testing.TB, err error) { assert.True(t, IsFraming(err), "err=%v", err) }},
		{"magic", corrupt(func(b []byte) []byte { b[0] = 'X'; return b }), func(t testing.TB, err error) {
			assert.True(t, IsFraming(err), "err=%v", err)
		}},
		{"data-start-beyond", corrupt(func(b []byte) []byte { b[8] = 0xff; return b }), func(t testing.TB, err error) {
			assert.True(t, IsFraming(err), "err=%v", err)
		}},
		{"payload-truncated", good[:len(good)-1], func(t testing.TB, err error) {
			require.True(t, IsSizeMismatch(err), "err=%v", err)
			e := err.(*SizeMismatchError)
			assert.Equal(t, 4, e.Declared)
			assert.Equal(t, 3, e.Actual)
		}},
		{"payload-extra", append(append([]byte(nil), good...), 0), func(t testing.TB, err error) {
			assert.True(t, IsSizeMismatch(err), "err=%v", err)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, _, err := ParseHeader(c.input)
			c.check(t, err)
		})
	}
}

func TestIsFrame(t *testing.T) {
	t.Parallel()
	assert.True(t, IsFrame([]byte("OTAImage....")))
	assert.False(t, IsFrame([]byte("OTAImag")))
	assert.False(t, IsFrame([]byte(`{"Message":"Update Available"}`)))
}
