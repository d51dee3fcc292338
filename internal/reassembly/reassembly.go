// Package reassembly validates received chunk frames and writes payloads into output image.
package reassembly

import (
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/helpers"
	"github.com/temoto/vender-ota/internal/protocol"
	"github.com/temoto/vender-ota/log2"
)

type Options struct {
	Log *log2.Log
	// Version, when set, must match every chunk header.
	Version *protocol.Version
}

// Engine owns output file for one receiver. Not safe for concurrent use,
// receiver loop serializes all calls.
type Engine struct {
	f       *os.File
	log     *log2.Log
	path    string
	pending [][]byte // whole-file frames in arrival order
	version *protocol.Version
	written int64
	total   uint32
}

func Open(path string, opt Options) (*Engine, error) {
	// no O_APPEND, writes go to explicit offsets
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "reassembly open %s", path)
	}
	e := &Engine{
		f:       f,
		log:     opt.Log,
		path:    path,
		version: opt.Version,
	}
	return e, nil
}

func (e *Engine) Path() string { return e.path }

// Written counts payload bytes written since Reset.
func (e *Engine) Written() int64 { return e.written }

// TotalSize is image size declared by last accepted chunk.
func (e *Engine) TotalSize() uint32 { return e.total }

// SetVersion changes expected chunk version, nil disables check.
func (e *Engine) SetVersion(v *protocol.Version) { e.version = v }

// Reset truncates output and drops accumulated frames, called at session start.
func (e *Engine) Reset() error {
	e.pending = nil
	e.written = 0
	e.total = 0
	if err := e.f.Truncate(0); err != nil {
		return errors.Annotatef(err, "reassembly truncate %s", e.path)
	}
	return nil
}

func (e *Engine) Close() error {
	e.pending = nil
	if err := e.f.Sync(); err != nil {
		_ = e.f.Close()
		return errors.Annotate(err, "reassembly sync")
	}
	return errors.Annotate(e.f.Close(), "reassembly close")
}

// Collect accumulates whole-file mode frame. Index 0 starts new sequence.
// When chunk index total-1 arrives, every accumulated frame is validated
// and only then all payloads are written, done=true on success.
// Validation error drops accumulated frames.
func (e *Engine) Collect(frame []byte) (done bool, err error) {
	// size mismatch is reported by assembly in sequence context
	h, _, perr := protocol.ParseHeader(frame)
	if perr != nil && !protocol.IsSizeMismatch(perr) {
		return false, perr
	}
	if h.Index == 0 {
		e.pending = e.pending[:0]
	}
	e.pending = append(e.pending, append([]byte(nil), frame...))
	e.log.Debugf("reassembly collect %s", h.String())
	if !h.IsLast() {
		return false, nil
	}

	err = e.assemble()
	e.pending = nil
	return err == nil, err
}

func (e *Engine) assemble() error {
	headers := make([]protocol.Header, len(e.pending))
	payloads := make([][]byte, len(e.pending))
	for i, frame := range e.pending {
		h, payload, err := e.validate(frame)
		if err != nil {
			return errors.Annotatef(err, "assemble position=%d", i)
		}
		if int(h.Index) != i {
			return &protocol.OrderingError{Index: h.Index, Expected: i}
		}
		if i > 0 && (h.TotalCount != headers[0].TotalCount || h.TotalSize != headers[0].TotalSize) {
			return &protocol.FramingError{Reason: "chunk sequence declares different image"}
		}
		headers[i], payloads[i] = h, payload
	}
	for i := range headers {
		if err := e.writeAt(headers[i], payloads[i]); err != nil {
			return err
		}
	}
	return nil
}

// Write validates chunk-on-demand frame and writes its payload immediately.
func (e *Engine) Write(frame []byte) (protocol.Header, error) {
	h, payload, err := e.validate(frame)
	if err != nil {
		return h, err
	}
	return h, e.writeAt(h, payload)
}

func (e *Engine) validate(frame []byte) (protocol.Header, []byte, error) {
	h, payload, err := protocol.ParseHeader(frame)
	if err != nil {
		return h, nil, err
	}
	if e.version != nil && h.Version != *e.version {
		return h, nil, &protocol.FramingError{Reason: "chunk version=" + h.Version.String() + " expected=" + e.version.String()}
	}
	if uint64(h.Offset)+uint64(h.PayloadSize) > uint64(h.TotalSize) {
		return h, nil, &protocol.FramingError{Reason: "chunk beyond declared image size " + h.String()}
	}
	return h, payload, nil
}

func (e *Engine) writeAt(h protocol.Header, payload []byte) error {
	if _, err := e.f.Seek(int64(h.Offset), io.SeekStart); err != nil {
		return errors.Annotatef(err, "reassembly seek offset=%d", h.Offset)
	}
	if err := helpers.WriteAll(e.f, payload); err != nil {
		return errors.Annotatef(err, "reassembly write offset=%d", h.Offset)
	}
	e.written += int64(len(payload))
	e.total = h.TotalSize
	e.log.Debugf("reassembly wrote %s", h.String())
	return nil
}
