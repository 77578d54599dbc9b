package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"github.com/eugenetaranov/sshcomm/internal/communicator/local"
	"github.com/eugenetaranov/sshcomm/internal/communicator/ssh"
	"github.com/eugenetaranov/sshcomm/internal/config"
	"github.com/eugenetaranov/sshcomm/internal/logging"
	"github.com/eugenetaranov/sshcomm/internal/metrics"
	"github.com/eugenetaranov/sshcomm/internal/output"
)

// machineFlags holds the target given on the command line. Set fields
// override the named machine from the config file.
type machineFlags struct {
	machine      string
	host         string
	port         int
	user         string
	key          string
	transfer     string
	quoting      string
	forwardAgent bool
}

// resolve builds the connection config for the target.
func (f machineFlags) resolve(cfg *config.Config) (ssh.Config, string, error) {
	var m config.Machine
	name := f.host
	if f.machine != "" {
		var err error
		m, err = cfg.Machine(f.machine)
		if err != nil {
			return ssh.Config{}, "", err
		}
		name = f.machine
	}

	if f.host != "" {
		m.Host = f.host
	}
	if f.port != 0 {
		m.Port = f.port
	}
	if f.user != "" {
		m.User = f.user
	}
	if f.key != "" {
		m.PrivateKey = f.key
	}
	if f.transfer != "" {
		m.Transfer = f.transfer
	}
	if f.quoting != "" {
		m.Quoting = f.quoting
	}
	if f.forwardAgent {
		m.ForwardAgent = true
	}

	if m.Host == "" {
		return ssh.Config{}, "", errors.New("no machine given: use --machine or --host")
	}
	if name == "" {
		name = m.Host
	}
	return m.SSHConfig(), name, nil
}

// session is everything a command needs to talk to one machine.
type session struct {
	name    string
	comm    communicator.Communicator
	out     *output.Output
	ui      *output.Output
	log     *logrus.Logger
	metrics *metrics.Collector
}

// withSession sets up logging, the communicator and output, runs fn, and
// tears everything down.
func withSession(fn func(ctx context.Context, s *session) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, err := newSession(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s.ui.Debug("target %s", s.comm)

	runErr := fn(ctx, s)

	if err := s.comm.Close(); err != nil {
		s.log.WithError(err).Debug("Failed to close connection")
	}
	if path := metricsPath(cfg); path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			s.ui.Warn("failed to write metrics: %v", err)
		}
	}

	var exitErr *exitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		s.ui.Error("%v", runErr)
		return &exitError{code: exitCode(runErr)}
	}
	return runErr
}

func newSession(cfg *config.Config) (*session, error) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	format := cfg.Logging.Format
	if logFormat != "" {
		format = logFormat
	}
	log, err := logging.New(level, format, os.Stderr)
	if err != nil {
		return nil, err
	}

	color := !noColor && isatty.IsTerminal(os.Stdout.Fd())
	out := output.New(os.Stdout, os.Stderr)
	out.SetColor(color)
	out.SetDebug(debug)
	ui := output.New(os.Stderr, os.Stderr)
	ui.SetColor(!noColor && isatty.IsTerminal(os.Stderr.Fd()))
	ui.SetDebug(debug)

	s := &session{out: out, ui: ui, log: log, metrics: metrics.New()}

	if useLocal {
		s.name = "local"
		s.comm = local.New(local.WithLogger(log))
		return s, nil
	}

	sc, name, err := target.resolve(cfg)
	if err != nil {
		return nil, err
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			sc.PtyRows, sc.PtyCols = rows, cols
		}
	}

	comm, err := ssh.New(sc, ssh.WithLogger(log), ssh.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to configure %s: %w", name, err)
	}
	s.name = name
	s.comm = comm
	return s, nil
}

func metricsPath(cfg *config.Config) string {
	if metricsFile != "" {
		return metricsFile
	}
	return cfg.Metrics.File
}

// Exit codes for failures other than a remote non-zero status.
const (
	exitFailure     = 1
	exitUnreachable = 255
)

// exitCode maps an operation error to a process exit code. Connection
// failures use 255 like ssh(1).
func exitCode(err error) int {
	switch communicator.KindOf(err) {
	case communicator.KindConnectionTimeout,
		communicator.KindConnectionRefused,
		communicator.KindDisconnected,
		communicator.KindHostUnreachable,
		communicator.KindConnectionFailed,
		communicator.KindAuthenticationFailed,
		communicator.KindKeyTypeNotSupported,
		communicator.KindKeyPermission,
		communicator.KindKeyNotFound:
		return exitUnreachable
	default:
		return exitFailure
	}
}
