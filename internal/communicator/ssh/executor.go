package ssh

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// sudoPrefix escalates without prompting and with the target user's HOME.
const sudoPrefix = "sudo -n -H "

// terminalModes disables echo and output newline translation so that
// output arrives as the command wrote it.
var terminalModes = ssh.TerminalModes{
	ssh.ECHO:          0,
	ssh.ONLCR:         0,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// ErrQuoteRejected is returned under QuoteReject for commands that contain a
// single quote.
var ErrQuoteRejected = errors.New("command contains a single quote")

// composeInvocation wraps command for execution under shell as a login
// shell, optionally through sudo.
func composeInvocation(shell, command string, sudo bool, policy QuotingPolicy) (string, error) {
	quoted, err := quoteCommand(command, policy)
	if err != nil {
		return "", err
	}
	invocation := fmt.Sprintf("%s -l -c %s", shell, quoted)
	if sudo {
		invocation = sudoPrefix + invocation
	}
	return invocation, nil
}

func quoteCommand(command string, policy QuotingPolicy) (string, error) {
	switch policy {
	case QuoteEscape:
		return "'" + strings.ReplaceAll(command, "'", `'"'"'`) + "'", nil
	case QuoteReject:
		if strings.Contains(command, "'") {
			return "", ErrQuoteRejected
		}
	}
	return "'" + command + "'", nil
}

// executor runs single commands over sessions of an established client.
type executor struct {
	cfg  Config
	addr string
}

// run executes command on client and returns its exit status. Output chunks
// are delivered to sink while the command runs.
func (e *executor) run(client Client, command string, opts communicator.Options, sink communicator.Sink, log logrus.FieldLogger) (int, error) {
	invocation, err := composeInvocation(e.cfg.Shell, command, opts.Sudo, e.cfg.Quoting)
	if err != nil {
		return exitStatusMissing, fmt.Errorf("refusing to run %q: %w", command, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return exitStatusMissing, fmt.Errorf("failed to open session on %s: %w", e.addr, err)
	}
	defer func() { _ = session.Close() }()

	if err := session.RequestPty(opts.TerminalType, e.cfg.PtyRows, e.cfg.PtyCols, terminalModes); err != nil {
		log.WithError(err).Warn("PTY request failed, running without a terminal")
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return exitStatusMissing, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return exitStatusMissing, fmt.Errorf("failed to attach stderr: %w", err)
	}
	var stdin io.WriteCloser
	if opts.Stdin != nil {
		stdin, err = session.StdinPipe()
		if err != nil {
			return exitStatusMissing, fmt.Errorf("failed to attach stdin: %w", err)
		}
	}

	log.WithField("invocation", invocation).Debug("Starting command")
	if err := session.Start(invocation); err != nil {
		return exitStatusMissing, fmt.Errorf("failed to start command on %s: %w", e.addr, err)
	}

	emitter := communicator.NewEmitter(sink, opts.StripANSI)
	var wg sync.WaitGroup
	pump := func(r io.Reader, stream communicator.Stream) {
		defer wg.Done()
		if err := communicator.Pump(r, stream, emitter); err != nil {
			log.WithError(err).WithField("stream", stream.String()).Debug("Output stream ended with error")
		}
	}
	wg.Add(2)
	go pump(stdout, communicator.Stdout)
	go pump(stderr, communicator.Stderr)

	done := make(chan struct{})
	if stdin != nil {
		go relayInput(opts.Stdin, stdin, done, e.cfg.PollInterval)
	}

	waitErr := session.Wait()
	close(done)
	wg.Wait()

	status, err := exitStatus(waitErr)
	if err != nil {
		var ce *communicator.Error
		if errors.As(err, &ce) {
			ce.Host = e.addr
			ce.Command = command
			return status, ce
		}
		return status, fmt.Errorf("command failed on %s: %w", e.addr, err)
	}

	log.WithField("status", status).Debug("Command finished")
	if status != 0 && opts.ErrorCheck {
		return status, communicator.CommandError(e.addr, command, status, opts)
	}
	return status, nil
}
