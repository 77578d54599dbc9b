// Package ssh implements communicator.Communicator over an SSH transport.
package ssh

import (
	"context"
	"fmt"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"github.com/eugenetaranov/sshcomm/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Communicator runs commands and transfers files on one machine over SSH.
//
// It holds at most one connection, created on first use and replaced when a
// liveness probe fails. It is not safe for concurrent use.
type Communicator struct {
	cfg      Config
	log      logrus.FieldLogger
	metrics  *metrics.Collector
	dial     DialFunc
	conn     *connectionManager
	exec     *executor
	transfer transferer
}

// Option configures a Communicator.
type Option func(*Communicator)

// WithLogger sets the logger. The standard logrus logger is used by default.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Communicator) {
		c.log = log
	}
}

// WithMetrics records activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Communicator) {
		c.metrics = m
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Communicator) {
		c.dial = dial
	}
}

// New creates a Communicator for cfg. No connection is made until the first
// operation.
func New(cfg Config, opts ...Option) (*Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.PrivateKeyPath = ExpandHome(cfg.PrivateKeyPath)

	c := &Communicator{
		cfg:  cfg,
		log:  logrus.StandardLogger(),
		dial: Dial,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("host", cfg.Address())

	c.conn = newConnectionManager(cfg, c.dial, c.log, c.metrics)
	c.exec = &executor{cfg: cfg, addr: cfg.Address()}
	c.transfer = newTransferer(cfg.Transfer)
	return c, nil
}

// Ready reports whether a live connection can be acquired.
func (c *Communicator) Ready(ctx context.Context) bool {
	if _, err := c.conn.acquire(ctx); err != nil {
		c.log.WithError(err).Debug("Machine not ready")
		return false
	}
	return true
}

// Execute runs command and returns its exit status.
func (c *Communicator) Execute(ctx context.Context, command string, sink communicator.Sink, opts ...communicator.Option) (int, error) {
	return c.execute(ctx, command, sink, communicator.NewOptions(opts...))
}

// Sudo runs command with privilege escalation, regardless of opts.
func (c *Communicator) Sudo(ctx context.Context, command string, sink communicator.Sink, opts ...communicator.Option) (int, error) {
	opts = append(opts, communicator.WithSudo(true))
	return c.execute(ctx, command, sink, communicator.NewOptions(opts...))
}

func (c *Communicator) execute(ctx context.Context, command string, sink communicator.Sink, opts communicator.Options) (int, error) {
	client, err := c.conn.acquire(ctx)
	if err != nil {
		c.metrics.Command(exitStatusMissing, err)
		return exitStatusMissing, err
	}

	log := c.log.WithFields(logrus.Fields{
		"exec_id": uuid.NewString(),
		"sudo":    opts.Sudo,
	})
	log.WithField("command", command).Info("Executing command")

	status, err := c.exec.run(client, command, opts, sink, log)
	c.metrics.Command(status, err)
	return status, err
}

// Upload copies localPath to remotePath.
func (c *Communicator) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := c.conn.acquire(ctx)
	if err != nil {
		c.metrics.Transfer("upload", err)
		return err
	}
	c.log.WithFields(logrus.Fields{
		"local":  localPath,
		"remote": remotePath,
		"method": string(c.cfg.Transfer),
	}).Info("Uploading file")

	err = translateTransferError(c.cfg.Address(), remotePath, c.transfer.upload(client, localPath, remotePath))
	c.metrics.Transfer("upload", err)
	return err
}

// Download copies remotePath to localPath.
func (c *Communicator) Download(ctx context.Context, remotePath, localPath string) error {
	client, err := c.conn.acquire(ctx)
	if err != nil {
		c.metrics.Transfer("download", err)
		return err
	}
	c.log.WithFields(logrus.Fields{
		"local":  localPath,
		"remote": remotePath,
		"method": string(c.cfg.Transfer),
	}).Info("Downloading file")

	err = translateTransferError(c.cfg.Address(), remotePath, c.transfer.download(client, remotePath, localPath))
	c.metrics.Transfer("download", err)
	return err
}

// State returns the current connection state.
func (c *Communicator) State() State {
	return c.conn.state
}

// Close terminates the connection, if any.
func (c *Communicator) Close() error {
	return c.conn.close()
}

// String returns the connection target.
func (c *Communicator) String() string {
	return fmt.Sprintf("ssh://%s@%s", c.cfg.User, c.cfg.Address())
}

var _ communicator.Communicator = (*Communicator)(nil)
