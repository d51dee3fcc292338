package helpers

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limitWriter struct {
	w   io.Writer
	max int
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if len(p) > lw.max {
		p = p[:lw.max]
	}
	return lw.w.Write(p)
}

func TestWriteAll(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		max   int
		input string
		err   error
	}{
		{"empty", 1, "", nil},
		{"whole", 64, "OTAImage", nil},
		{"short", 3, "0123456789abcdef", nil},
		{"stuck", 0, "x", io.ErrShortWrite},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteAll(&limitWriter{&buf, c.max}, []byte(c.input))
			if c.err != nil {
				assert.Equal(t, c.err, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.input, buf.String())
		})
	}
}

func TestAtomicError(t *testing.T) {
	t.Parallel()

	var a AtomicError
	first := errors.New("first")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.StoreOnce(errors.New("late"))
		}()
	}
	wg.Wait()
	prev, found := a.StoreOnce(first)
	assert.True(t, found)
	assert.EqualError(t, prev, "late")

	var b AtomicError
	prev, found = b.StoreOnce(first)
	assert.False(t, found)
	assert.NoError(t, prev)
	prev, _ = b.StoreOnce(nil)
	assert.Equal(t, first, prev)
}

func TestMustHex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("OTA"), MustHex("4f 54\n41"))
	assert.Panics(t, func() { MustHex("zz") })
}
