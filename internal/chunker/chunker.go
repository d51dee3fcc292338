// Package chunker splits firmware image into framed chunks.
package chunker

import (
	"context"
	"io"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/internal/protocol"
)

// Count returns ceil(size/chunkSize), 0 for empty image.
func Count(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

type Options struct {
	ChunkSize int
	ImageType uint16
	Version   protocol.Version
}

type Chunker struct {
	r    io.ReaderAt
	size int64
	opt  Options
}

func New(r io.ReaderAt, size int64, opt Options) (*Chunker, error) {
	if opt.ChunkSize < 1 || opt.ChunkSize > protocol.MaxChunkSize {
		return nil, errors.NotValidf("chunk size=%d", opt.ChunkSize)
	}
	if size < 0 || size > int64(^uint32(0)) {
		return nil, errors.NotValidf("image size=%d", size)
	}
	if n := Count(size, opt.ChunkSize); n > protocol.MaxChunkCount {
		return nil, errors.NotValidf("chunk count=%d for size=%d chunk=%d", n, size, opt.ChunkSize)
	}
	return &Chunker{r: r, size: size, opt: opt}, nil
}

func (c *Chunker) Size() int64 { return c.size }
func (c *Chunker) Count() int  { return Count(c.size, c.opt.ChunkSize) }

// Frame builds whole-file mode chunk by index.
func (c *Chunker) Frame(index int) ([]byte, error) {
	n := c.Count()
	if index < 0 || index >= n {
		return nil, errors.NotValidf("chunk index=%d count=%d", index, n)
	}
	return c.build(int64(index)*int64(c.opt.ChunkSize), c.opt.ChunkSize, index, n)
}

// FrameAt builds one chunk for requested byte range.
// Index is offset/size and count is computed with requested size,
// so receiver chunk size may differ from configured one.
func (c *Chunker) FrameAt(offset uint32, size uint32) ([]byte, error) {
	if size == 0 || size > protocol.MaxChunkSize {
		return nil, errors.NotValidf("requested size=%d", size)
	}
	if int64(offset) >= c.size {
		return nil, errors.NotValidf("requested offset=%d image size=%d", offset, c.size)
	}
	n := Count(c.size, int(size))
	if n > protocol.MaxChunkCount {
		return nil, errors.NotValidf("chunk count=%d for requested size=%d", n, size)
	}
	return c.build(int64(offset), int(size), int(offset/size), n)
}

// Each calls fn for frames 0..N-1 in order, stops on first error or ctx done.
func (c *Chunker) Each(ctx context.Context, fn func(index int, frame []byte) error) error {
	n := c.Count()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := c.Frame(i)
		if err != nil {
			return err
		}
		if err = fn(i, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chunker) build(offset int64, chunkSize int, index int, count int) ([]byte, error) {
	length := int64(chunkSize)
	if left := c.size - offset; left < length {
		length = left
	}
	frame := make([]byte, protocol.HeaderSize+int(length))
	// ReaderAt may return io.EOF together with full read at the end of image
	if n, err := c.r.ReadAt(frame[protocol.HeaderSize:], offset); int64(n) != length {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Annotatef(err, "read image offset=%d length=%d", offset, length)
	}
	h := protocol.Header{
		DataStart:   protocol.HeaderSize,
		ImageType:   c.opt.ImageType,
		Version:     c.opt.Version,
		TotalSize:   uint32(c.size),
		Offset:      uint32(offset),
		PayloadSize: uint16(length),
		TotalCount:  uint16(count),
		Index:       uint16(index),
	}
	h.MarshalTo(frame)
	return frame, nil
}
