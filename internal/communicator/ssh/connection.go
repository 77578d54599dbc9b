package ssh

import (
	"context"
	"time"

	"github.com/eugenetaranov/sshcomm/internal/metrics"
	"github.com/eugenetaranov/sshcomm/internal/util/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// State is the lifecycle state of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateStale
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	default:
		return "disconnected"
	}
}

// connectionManager owns at most one live Client and replaces it when a
// liveness probe fails.
type connectionManager struct {
	cfg     Config
	dial    DialFunc
	log     logrus.FieldLogger
	metrics *metrics.Collector

	signer ssh.Signer
	client Client
	state  State

	// attempts is the number of connection attempts made by the most recent
	// connect.
	attempts int
}

func newConnectionManager(cfg Config, dial DialFunc, log logrus.FieldLogger, m *metrics.Collector) *connectionManager {
	return &connectionManager{
		cfg:     cfg,
		dial:    dial,
		log:     log,
		metrics: m,
		state:   StateDisconnected,
	}
}

// acquire returns a live client, reusing the current one if it answers a
// probe and connecting otherwise.
func (m *connectionManager) acquire(ctx context.Context) (Client, error) {
	if m.client != nil {
		err := m.probe()
		if err == nil {
			return m.client, nil
		}
		m.log.WithError(err).Info("Connection probe failed, reconnecting")
		m.state = StateStale
		m.metrics.Reconnect()
		m.discard()
	}

	client, err := m.connect(ctx)
	if err != nil {
		m.state = StateDisconnected
		return nil, err
	}
	m.client = client
	m.state = StateConnected
	return client, nil
}

// probe opens a session and runs an empty command on it. Any exit status
// means the remote end is alive.
func (m *connectionManager) probe() error {
	s, err := m.client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if _, err := exitStatus(s.Run("")); err != nil {
		return err
	}
	return nil
}

// connect dials with bounded retries and waits the settle delay after the
// handshake.
func (m *connectionManager) connect(ctx context.Context) (Client, error) {
	addr := m.cfg.Address()
	m.attempts = 0

	if err := checkKeyPermissions(m.cfg.PrivateKeyPath, m.cfg.FixKeyPermissions); err != nil {
		return nil, err
	}

	log := m.log
	var client Client
	err := retry.Do(ctx, func(attempt int) error {
		m.attempts = attempt

		config, err := m.clientConfig()
		if err != nil {
			return retry.Fatal(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()

		c, err := m.dial(attemptCtx, addr, config)
		if err != nil {
			kind := classifyConnectError(err)
			m.metrics.ConnectAttempt(kind.String())
			if !retryable(kind) {
				return retry.Fatal(err)
			}
			return err
		}
		m.metrics.ConnectAttempt("")
		client = c
		return nil
	},
		retry.WithMaxAttempts(m.cfg.MaxTries),
		retry.WithDelay(m.cfg.RetryDelay),
		retry.WithOnRetry(func(attempt int, err error) {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"kind":    classifyConnectError(err).String(),
				"delay":   m.cfg.RetryDelay,
			}).WithError(err).Debug("Connection attempt failed, retrying")
		}),
	)
	if err != nil {
		return nil, translateConnectError(addr, err)
	}
	m.metrics.Handshake()
	log.WithField("attempts", m.attempts).Debug("Connected")

	if m.cfg.ForwardAgent {
		if err := enableAgentForwarding(client); err != nil {
			log.WithError(err).Warn("Agent forwarding unavailable")
		}
	}

	if m.cfg.SettleDelay > 0 {
		timer := time.NewTimer(m.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, translateConnectError(addr, ctx.Err())
		case <-timer.C:
		}
	}
	return client, nil
}

// clientConfig builds the handshake configuration. The key is parsed once
// and reused for later connections.
func (m *connectionManager) clientConfig() (*ssh.ClientConfig, error) {
	if m.signer == nil {
		signer, err := loadSigner(m.cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		m.signer = signer
	}
	return &ssh.ClientConfig{
		User:            m.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(m.signer)},
		HostKeyCallback: m.cfg.HostKeyCallback,
		Timeout:         m.cfg.Timeout,
	}, nil
}

// discard closes the current client, ignoring errors.
func (m *connectionManager) discard() {
	if m.client == nil {
		return
	}
	_ = m.client.Close()
	m.client = nil
}

func (m *connectionManager) close() error {
	defer func() { m.state = StateDisconnected }()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
