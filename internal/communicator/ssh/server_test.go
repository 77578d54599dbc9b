package ssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// commandHandler serves one exec request and returns its exit status.
type commandHandler func(command string, ch ssh.Channel) uint32

// testServer is an in-process SSH server accepting a single public key.
type testServer struct {
	listener   net.Listener
	config     *ssh.ServerConfig
	handler    commandHandler
	sftp       atomic.Bool
	handshakes atomic.Int32

	mu       sync.Mutex
	commands []string
	conns    []*ssh.ServerConn
}

func newTestServer(t *testing.T, authorized ssh.PublicKey, handler commandHandler) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: l, config: config, handler: handler}
	go s.serve()
	t.Cleanup(func() {
		_ = l.Close()
		s.dropConnections()
	})
	return s
}

func (s *testServer) hostPort() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *testServer) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(nc)
	}
}

func (s *testServer) serveConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	s.handshakes.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer func() { _ = conn.Close() }()

	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() { _ = ch.Close() }()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			status := uint32(0)
			if payload.Command != "" {
				status = s.handler(payload.Command, ch)
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || !s.sftp.Load() {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// dropConnections closes every accepted connection, simulating a reboot.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// executed returns the non-probe commands received so far.
func (s *testServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.commands {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// newServerCommunicator starts a server and a Communicator connected to it.
func newServerCommunicator(t *testing.T, handler commandHandler, mutate func(*Config)) (*Communicator, *testServer) {
	t.Helper()
	keyPath, signer := writeKey(t)
	srv := newTestServer(t, signer.PublicKey(), handler)
	host, port := srv.hostPort()

	cfg := Config{
		Host:           host,
		Port:           port,
		User:           "deploy",
		PrivateKeyPath: keyPath,
		Timeout:        2 * time.Second,
		MaxTries:       2,
		RetryDelay:     10 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	log, _ := testLogger()
	c, err := New(cfg, WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

// shellHandler emulates a few commands run through "<shell> -l -c '<cmd>'".
func shellHandler(command string, ch ssh.Channel) uint32 {
	inner := command
	if i := strings.Index(command, "-c '"); i >= 0 {
		inner = strings.TrimSuffix(command[i+len("-c '"):], "'")
	}
	switch {
	case inner == "echo hi":
		_, _ = io.WriteString(ch, "hi\n")
		return 0
	case inner == "false":
		return 1
	case inner == "whoami":
		if strings.HasPrefix(command, sudoPrefix) {
			_, _ = io.WriteString(ch, "root\n")
		} else {
			_, _ = io.WriteString(ch, "deploy\n")
		}
		return 0
	case inner == "warn":
		_, _ = io.WriteString(ch.Stderr(), "careful\n")
		return 0
	case inner == "cat":
		_, _ = io.Copy(ch, ch)
		return 0
	case strings.HasPrefix(inner, "exit "):
		n, _ := strconv.Atoi(strings.TrimPrefix(inner, "exit "))
		return uint32(n)
	}
	_, _ = fmt.Fprintf(ch.Stderr(), "bash: %s: command not found\n", inner)
	return 127
}

// scpSink receives one file over the scp sink protocol and stores it.
type scpSink struct {
	mu     sync.Mutex
	files  map[string][]byte
	modes  map[string]string
	source map[string][]byte
}

func newSCPSink() *scpSink {
	return &scpSink{files: map[string][]byte{}, modes: map[string]string{}, source: map[string][]byte{}}
}

func (s *scpSink) handle(command string, ch ssh.Channel) uint32 {
	switch {
	case strings.HasPrefix(command, "scp -t "):
		return s.receive(strings.Trim(strings.TrimPrefix(command, "scp -t "), "'"), ch)
	case strings.HasPrefix(command, "scp -f "):
		return s.send(strings.Trim(strings.TrimPrefix(command, "scp -f "), "'"), ch)
	}
	return shellHandler(command, ch)
}

func (s *scpSink) receive(path string, ch ssh.Channel) uint32 {
	r := bufio.NewReader(ch)
	_, _ = ch.Write([]byte{0})

	header, err := r.ReadString('\n')
	if err != nil {
		return 1
	}
	fields := strings.SplitN(strings.TrimSpace(header), " ", 3)
	size, _ := strconv.Atoi(fields[1])
	_, _ = ch.Write([]byte{0})

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return 1
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return 1
	}
	_, _ = ch.Write([]byte{0})

	s.mu.Lock()
	s.files[path] = data
	s.modes[path] = strings.TrimPrefix(fields[0], "C")
	s.mu.Unlock()
	return 0
}

func (s *scpSink) send(path string, ch ssh.Channel) uint32 {
	s.mu.Lock()
	content, ok := s.source[path]
	s.mu.Unlock()

	r := bufio.NewReader(ch)
	if _, err := r.ReadByte(); err != nil {
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintf(ch, "\x01scp: %s: No such file or directory\n", path)
		return 1
	}
	_, _ = fmt.Fprintf(ch, "C0640 %d %s\n", len(content), path[strings.LastIndex(path, "/")+1:])
	if _, err := r.ReadByte(); err != nil {
		return 1
	}
	_, _ = ch.Write(content)
	_, _ = ch.Write([]byte{0})
	if _, err := r.ReadByte(); err != nil {
		return 1
	}
	return 0
}
