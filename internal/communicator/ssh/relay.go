package ssh

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/muesli/cancelreader"
)

const relayBufferSize = 4096

// deadlineReader is a reader whose blocking reads can be interrupted.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// relayInput copies in to out until in is exhausted or done is closed, then
// closes out. Reads are made cancelable when in supports it so that the
// relay stops promptly once the command exits.
func relayInput(in io.Reader, out io.WriteCloser, done <-chan struct{}, poll time.Duration) {
	defer func() { _ = out.Close() }()

	if f, ok := in.(*os.File); ok {
		if cr, err := cancelreader.NewReader(f); err == nil {
			relayCancelable(cr, out, done)
			return
		}
	}
	if dr, ok := in.(deadlineReader); ok && poll > 0 {
		if err := dr.SetReadDeadline(time.Now().Add(poll)); err == nil {
			relayPolling(dr, out, done, poll)
			return
		}
	}
	relayPlain(in, out, done)
}

func relayCancelable(cr cancelreader.CancelReader, out io.Writer, done <-chan struct{}) {
	defer func() { _ = cr.Close() }()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-done:
			cr.Cancel()
		case <-finished:
		}
	}()

	buf := make([]byte, relayBufferSize)
	for {
		n, err := cr.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func relayPolling(dr deadlineReader, out io.Writer, done <-chan struct{}, poll time.Duration) {
	defer func() { _ = dr.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, relayBufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}
		_ = dr.SetReadDeadline(time.Now().Add(poll))
		n, err := dr.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
	}
}

// relayPlain is used for readers that cannot be interrupted. A read blocked
// when the command exits is abandoned.
func relayPlain(in io.Reader, out io.Writer, done <-chan struct{}) {
	buf := make([]byte, relayBufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := in.Read(buf)
		if n > 0 {
			select {
			case <-done:
				return
			default:
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
