// Package communicator defines the interface for running commands and moving
// files on a managed machine.
package communicator

import (
	"bytes"
	"context"
	"sync"
)

// Communicator talks to a single managed machine.
//
// Implementations own at most one live connection and are not safe for
// concurrent use; callers serialize access to one instance.
type Communicator interface {
	// Ready reports whether a connection can currently be established.
	// It never returns an error.
	Ready(ctx context.Context) bool

	// Execute runs command on the machine, streaming output chunks to sink as
	// they arrive, and returns the exit status.
	Execute(ctx context.Context, command string, sink Sink, opts ...Option) (int, error)

	// Sudo is Execute with privilege escalation forced on.
	Sudo(ctx context.Context, command string, sink Sink, opts ...Option) (int, error)

	// Upload copies a local file to the machine.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download copies a file from the machine to the local filesystem.
	Download(ctx context.Context, remotePath, localPath string) error

	// Close terminates the connection, if any.
	Close() error

	// String returns a human-readable description of the target.
	String() string
}

// Stream tags the origin of an output chunk.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one piece of command output as it was received.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Sink receives output chunks in arrival order. A Sink is never called
// concurrently by a Communicator. A nil Sink discards output.
type Sink func(Chunk)

// Emit delivers c to the sink if it is set.
func (s Sink) Emit(c Chunk) {
	if s != nil {
		s(c)
	}
}

// Capture collects chunks into separate stdout and stderr buffers.
type Capture struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
	chunks []Chunk
}

// Sink returns a Sink that records into the capture.
func (c *Capture) Sink() Sink {
	return func(ch Chunk) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.chunks = append(c.chunks, ch)
		if ch.Stream == Stderr {
			c.stderr.Write(ch.Data)
			return
		}
		c.stdout.Write(ch.Data)
	}
}

// Stdout returns everything captured from standard output.
func (c *Capture) Stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String()
}

// Stderr returns everything captured from standard error.
func (c *Capture) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.String()
}

// Chunks returns the recorded chunks in arrival order.
func (c *Capture) Chunks() []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Chunk, len(c.chunks))
	copy(out, c.chunks)
	return out
}
