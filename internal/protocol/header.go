package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize = 32
	Magic      = "OTAImage"

	// MaxChunkSize is limited by uint16 payload size field.
	MaxChunkSize = 1<<16 - 1
	// MaxChunkCount is limited by uint16 count and index fields.
	MaxChunkCount = 1<<16 - 1
)

var magicBytes = []byte(Magic)

// Header precedes every chunk payload, all fields little-endian:
// magic [8]byte at 0, data start offset u16 at 8, image type u16 at 10,
// version major/minor/build u16 at 12, total image size u32 at 18,
// chunk offset u32 at 22, payload size u16 at 26, chunk count u16 at 28,
// chunk index u16 at 30.
type Header struct {
	DataStart   uint16
	ImageType   uint16
	Version     Version
	TotalSize   uint32
	Offset      uint32
	PayloadSize uint16
	TotalCount  uint16
	Index       uint16
}

// IsLast reports this chunk completes whole-file sequence.
func (h *Header) IsLast() bool { return h.TotalCount != 0 && h.Index == h.TotalCount-1 }

func (h *Header) String() string {
	return fmt.Sprintf("index=%d/%d offset=%d size=%d total=%d type=%d version=%s",
		h.Index, h.TotalCount, h.Offset, h.PayloadSize, h.TotalSize, h.ImageType, h.Version.String())
}

// MarshalTo writes exactly HeaderSize bytes into b, panics on short buffer.
func (h *Header) MarshalTo(b []byte) {
	_ = b[HeaderSize-1]
	copy(b[0:8], magicBytes)
	le := binary.LittleEndian
	le.PutUint16(b[8:], h.DataStart)
	le.PutUint16(b[10:], h.ImageType)
	le.PutUint16(b[12:], h.Version.Major)
	le.PutUint16(b[14:], h.Version.Minor)
	le.PutUint16(b[16:], h.Version.Build)
	le.PutUint32(b[18:], h.TotalSize)
	le.PutUint32(b[22:], h.Offset)
	le.PutUint16(b[26:], h.PayloadSize)
	le.PutUint16(b[28:], h.TotalCount)
	le.PutUint16(b[30:], h.Index)
}

func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	h.MarshalTo(b)
	return b
}

// NewFrame returns header followed by payload, DataStart and PayloadSize are set from arguments.
func NewFrame(h Header, payload []byte) []byte {
	h.DataStart = HeaderSize
	h.PayloadSize = uint16(len(payload))
	frame := make([]byte, HeaderSize+len(payload))
	h.MarshalTo(frame)
	copy(frame[HeaderSize:], payload)
	return frame
}

// IsFrame reports payload starts with chunk magic.
func IsFrame(b []byte) bool {
	return len(b) >= len(magicBytes) && bytes.Equal(b[:len(magicBytes)], magicBytes)
}

// ParseHeader validates magic and payload size, returns header and payload slice of frame.
func ParseHeader(frame []byte) (Header, []byte, error) {
	var h Header
	if len(frame) < HeaderSize {
		return h, nil, framingf("frame length=%d shorter than header", len(frame))
	}
	if !IsFrame(frame) {
		return h, nil, framingf("magic=%q expected=%q", frame[:len(magicBytes)], Magic)
	}
	le := binary.LittleEndian
	h.DataStart = le.Uint16(frame[8:])
	h.ImageType = le.Uint16(frame[10:])
	h.Version.Major = le.Uint16(frame[12:])
	h.Version.Minor = le.Uint16(frame[14:])
	h.Version.Build = le.Uint16(frame[16:])
	h.TotalSize = le.Uint32(frame[18:])
	h.Offset = le.Uint32(frame[22:])
	h.PayloadSize = le.Uint16(frame[26:])
	h.TotalCount = le.Uint16(frame[28:])
	h.Index = le.Uint16(frame[30:])

	if int(h.DataStart) < HeaderSize || int(h.DataStart) > len(frame) {
		return h, nil, framingf("data start=%d frame length=%d", h.DataStart, len(frame))
	}
	payload := frame[h.DataStart:]
	if int(h.PayloadSize) != len(payload) {
		return h, nil, &SizeMismatchError{Index: h.Index, Declared: int(h.PayloadSize), Actual: len(payload)}
	}
	return h, payload, nil
}
