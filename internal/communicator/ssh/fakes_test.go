package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// exitErr is a remote exit status as reported by a fake session.
type exitErr int

func (e exitErr) Error() string   { return fmt.Sprintf("Process exited with status %d", int(e)) }
func (e exitErr) ExitStatus() int { return int(e) }

// fakeSession is a scripted Session.
type fakeSession struct {
	stdout  string
	stderr  string
	waitErr error
	runErr  error

	ptyErr       error
	startErr     error
	subsystemErr error

	// echo copies everything written to stdin to stdout and delays Wait until
	// stdin is closed.
	echo bool

	mu        sync.Mutex
	started   string
	ran       []string
	ptyTerm   string
	ptyRows   int
	ptyCols   int
	closed    bool
	stdinBuf  bytes.Buffer
	stdinDone chan struct{}
	echoR     *io.PipeReader
	echoW     *io.PipeWriter
}

func (s *fakeSession) RequestPty(term string, rows, cols int, _ ssh.TerminalModes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptyTerm, s.ptyRows, s.ptyCols = term, rows, cols
	return s.ptyErr
}

func (s *fakeSession) RequestSubsystem(string) error {
	return s.subsystemErr
}

func (s *fakeSession) StdinPipe() (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdinDone = make(chan struct{})
	if s.echo && s.echoR == nil {
		s.echoR, s.echoW = io.Pipe()
	}
	return &fakeStdin{s: s}, nil
}

func (s *fakeSession) StdoutPipe() (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.echo {
		if s.echoR == nil {
			s.echoR, s.echoW = io.Pipe()
		}
		return s.echoR, nil
	}
	return strings.NewReader(s.stdout), nil
}

func (s *fakeSession) StderrPipe() (io.Reader, error) {
	return strings.NewReader(s.stderr), nil
}

func (s *fakeSession) Start(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = cmd
	return s.startErr
}

func (s *fakeSession) Wait() error {
	s.mu.Lock()
	done := s.stdinDone
	s.mu.Unlock()
	if s.echo && done != nil {
		<-done
	}
	return s.waitErr
}

func (s *fakeSession) Run(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, cmd)
	return s.runErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) startedCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

type fakeStdin struct {
	s    *fakeSession
	once sync.Once
}

func (w *fakeStdin) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	w.s.stdinBuf.Write(p)
	echo := w.s.echoW
	w.s.mu.Unlock()
	if echo != nil {
		return echo.Write(p)
	}
	return len(p), nil
}

func (w *fakeStdin) Close() error {
	w.once.Do(func() {
		w.s.mu.Lock()
		defer w.s.mu.Unlock()
		if w.s.echoW != nil {
			_ = w.s.echoW.Close()
		}
		close(w.s.stdinDone)
	})
	return nil
}

// fakeClient hands out sessions from a queue, then from newSession.
type fakeClient struct {
	mu         sync.Mutex
	queue      []*fakeSession
	newSession func() (Session, error)
	sessionErr error
	opened     int
	closed     bool
}

func (c *fakeClient) NewSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionErr != nil {
		return nil, c.sessionErr
	}
	c.opened++
	if len(c.queue) > 0 {
		s := c.queue[0]
		c.queue = c.queue[1:]
		return s, nil
	}
	if c.newSession != nil {
		return c.newSession()
	}
	return &fakeSession{}, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer returns scripted results in order, repeating the last one.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	users   []string
}

type dialResult struct {
	client Client
	err    error
	block  bool
}

func (d *fakeDialer) dial(ctx context.Context, _ string, config *ssh.ClientConfig) (Client, error) {
	d.mu.Lock()
	d.calls++
	d.users = append(d.users, config.User)
	r := d.results[len(d.results)-1]
	if d.calls <= len(d.results) {
		r = d.results[d.calls-1]
	}
	d.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.client, r.err
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// writeKey writes a fresh ed25519 private key with mode 0600 and returns its
// path and signer.
func writeKey(t *testing.T) (string, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	require.NoError(t, os.Chmod(path, 0o600))
	return path, signer
}

// testConfig returns a Config with fast timings for tests.
func testConfig(t *testing.T) Config {
	t.Helper()
	keyPath, _ := writeKey(t)
	return Config{
		Host:           "192.0.2.10",
		User:           "deploy",
		PrivateKeyPath: keyPath,
		Timeout:        200 * time.Millisecond,
		MaxTries:       3,
		RetryDelay:     time.Millisecond,
		SettleDelay:    time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
}

// testLogger returns a logger that records entries instead of printing them.
func testLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

func refusedError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}
