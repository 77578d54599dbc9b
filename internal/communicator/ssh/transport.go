package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Client is an established transport connection.
type Client interface {
	NewSession() (Session, error)
	Close() error
}

// Session is one channel opened on a Client.
type Session interface {
	RequestPty(term string, rows, cols int, modes ssh.TerminalModes) error
	RequestSubsystem(name string) error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Run(cmd string) error
	Close() error
}

// DialFunc opens a Client to addr. The deadline of ctx bounds both the TCP
// dial and the handshake.
type DialFunc func(ctx context.Context, addr string, config *ssh.ClientConfig) (Client, error)

// Dial is the default DialFunc.
func Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			_ = c.Close()
		}
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &client{Client: ssh.NewClient(c, chans, reqs)}, nil
}

// client adapts *ssh.Client to Client.
type client struct {
	*ssh.Client
	forwardAgent bool
}

func (c *client) NewSession() (Session, error) {
	s, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	if c.forwardAgent {
		if err := agent.RequestAgentForwarding(s); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to request agent forwarding: %w", err)
		}
	}
	return s, nil
}

// enableAgentForwarding connects the local agent to c so that sessions can
// request forwarding. Clients not created by Dial are left untouched.
func enableAgentForwarding(c Client) error {
	sc, ok := c.(*client)
	if !ok {
		return nil
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return fmt.Errorf("agent forwarding requested but SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH agent: %w", err)
	}
	if err := agent.ForwardToAgent(sc.Client, agent.NewClient(conn)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to forward SSH agent: %w", err)
	}
	sc.forwardAgent = true
	return nil
}
