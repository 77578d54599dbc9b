package communicator

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

const pumpBufferSize = 32 * 1024

// StripANSI removes terminal escape sequences from b. Stripping already
// stripped data is a no-op.
func StripANSI(b []byte) []byte {
	return []byte(ansi.Strip(string(b)))
}

// maxHeldEscape bounds how many bytes of an unterminated escape sequence are
// held back waiting for the next read.
const maxHeldEscape = 256

// Emitter forwards chunks to a Sink one at a time, optionally stripping
// escape sequences first. It is safe for use by several pumps at once.
//
// When stripping, an escape sequence cut off at the end of a read is held
// back and joined with the next read of the same stream.
type Emitter struct {
	mu      sync.Mutex
	sink    Sink
	strip   bool
	pending map[Stream][]byte
}

// NewEmitter returns an Emitter delivering to sink.
func NewEmitter(sink Sink, strip bool) *Emitter {
	return &Emitter{sink: sink, strip: strip, pending: make(map[Stream][]byte)}
}

// Emit delivers data tagged with stream. Chunks that are empty after
// stripping are dropped.
func (e *Emitter) Emit(stream Stream, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.strip {
		if held := e.pending[stream]; len(held) > 0 {
			data = append(held, data...)
			delete(e.pending, stream)
		}
		if i := incompleteEscape(data); i >= 0 {
			e.pending[stream] = append([]byte(nil), data[i:]...)
			data = data[:i]
		}
	}
	e.deliver(stream, data)
}

// Flush delivers anything held back for stream.
func (e *Emitter) Flush(stream Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()

	held := e.pending[stream]
	delete(e.pending, stream)
	e.deliver(stream, held)
}

func (e *Emitter) deliver(stream Stream, data []byte) {
	if e.strip {
		data = StripANSI(data)
	}
	if len(data) == 0 {
		return
	}
	e.sink.Emit(Chunk{Stream: stream, Data: data})
}

// incompleteEscape returns the offset of an unterminated escape sequence at
// the end of b, or -1.
func incompleteEscape(b []byte) int {
	i := bytes.LastIndexByte(b, ansi.ESC)
	if i < 0 || len(b)-i > maxHeldEscape {
		return -1
	}
	seq := b[i+1:]
	if len(seq) == 0 {
		return i
	}
	switch seq[0] {
	case '[':
		for _, c := range seq[1:] {
			if c >= 0x40 && c <= 0x7e {
				return -1
			}
		}
		return i
	case ']', 'P', '_', '^', 'X':
		if bytes.IndexByte(seq, ansi.BEL) >= 0 {
			return -1
		}
		return i
	default:
		return -1
	}
}

// Pump reads r until EOF or error, emitting every read as one chunk. It
// returns the read error, or nil on EOF.
func Pump(r io.Reader, stream Stream, e *Emitter) error {
	defer e.Flush(stream)

	buf := make([]byte, pumpBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			e.Emit(stream, data)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
