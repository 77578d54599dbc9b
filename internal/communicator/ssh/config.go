package ssh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultPort         = 22
	DefaultTimeout      = 10 * time.Second
	DefaultMaxTries     = 3
	DefaultRetryDelay   = time.Second
	DefaultSettleDelay  = time.Second
	DefaultShell        = "bash"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPtyRows      = 24
	DefaultPtyCols      = 80
)

// TransferMethod selects the file transfer backend.
type TransferMethod string

const (
	TransferSCP  TransferMethod = "scp"
	TransferSFTP TransferMethod = "sftp"
)

// QuotingPolicy controls how a command is wrapped for the login shell.
type QuotingPolicy string

const (
	// QuoteNaive wraps the command in single quotes as is. A command that
	// contains a single quote breaks out of the wrapper.
	QuoteNaive QuotingPolicy = "naive"
	// QuoteEscape escapes embedded single quotes.
	QuoteEscape QuotingPolicy = "escape"
	// QuoteReject refuses commands that contain a single quote.
	QuoteReject QuotingPolicy = "reject"
)

// Config holds the connection parameters for one machine.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string

	// ForwardAgent forwards the local SSH agent to the remote end.
	ForwardAgent bool

	// Timeout bounds a single connection attempt.
	Timeout time.Duration

	// MaxTries is the total number of connection attempts.
	MaxTries int

	// RetryDelay is the pause between attempts. Zero selects
	// DefaultRetryDelay; a negative value retries immediately.
	RetryDelay time.Duration

	// SettleDelay is waited after every successful handshake. Zero selects
	// DefaultSettleDelay; a negative value disables it.
	SettleDelay time.Duration

	// Shell is the remote login shell commands run under.
	Shell string

	// PollInterval is the stdin relay poll period.
	PollInterval time.Duration

	PtyRows int
	PtyCols int

	Transfer TransferMethod
	Quoting  QuotingPolicy

	// FixKeyPermissions tightens a private key readable by group or others
	// to 0600 instead of failing.
	FixKeyPermissions bool

	// HostKeyCallback verifies the server host key. Host keys are not
	// verified when nil.
	HostKeyCallback ssh.HostKeyCallback
}

// withDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxTries == 0 {
		c.MaxTries = DefaultMaxTries
	}
	c.RetryDelay = delayOrDefault(c.RetryDelay, DefaultRetryDelay)
	c.SettleDelay = delayOrDefault(c.SettleDelay, DefaultSettleDelay)
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PtyRows == 0 {
		c.PtyRows = DefaultPtyRows
	}
	if c.PtyCols == 0 {
		c.PtyCols = DefaultPtyCols
	}
	if c.Transfer == "" {
		c.Transfer = TransferSCP
	}
	if c.Quoting == "" {
		c.Quoting = QuoteNaive
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // provisioned machines have no known host key yet
	}
	return c
}

// delayOrDefault maps zero to def and negative values to no delay.
func delayOrDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// Validate checks that the required fields are present and the enumerated
// fields hold known values.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.PrivateKeyPath == "" {
		return errors.New("private key path is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxTries < 0 {
		return fmt.Errorf("invalid max tries %d", c.MaxTries)
	}
	switch c.Transfer {
	case "", TransferSCP, TransferSFTP:
	default:
		return fmt.Errorf("unknown transfer method %q", c.Transfer)
	}
	switch c.Quoting {
	case "", QuoteNaive, QuoteEscape, QuoteReject:
	default:
		return fmt.Errorf("unknown quoting policy %q", c.Quoting)
	}
	return nil
}

// Address returns host:port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
