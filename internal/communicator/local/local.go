// Package local provides a communicator for the machine the process runs on.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"sync"
	"time"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"github.com/sirupsen/logrus"
)

// waitDelay bounds how long Execute waits for stdin copying after the
// command exits.
const waitDelay = time.Second

// Communicator executes commands on the local machine.
type Communicator struct {
	shell string
	log   logrus.FieldLogger
}

// Option configures the local communicator.
type Option func(*Communicator)

// WithShell sets the shell commands are run under.
func WithShell(shell string) Option {
	return func(c *Communicator) {
		c.shell = shell
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Communicator) {
		c.log = log
	}
}

// New creates a new local communicator.
func New(opts ...Option) *Communicator {
	c := &Communicator{
		shell: "/bin/sh",
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("host", "local")
	return c
}

// Ready reports whether the platform is supported.
func (c *Communicator) Ready(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// Execute runs command locally and returns its exit status.
func (c *Communicator) Execute(ctx context.Context, command string, sink communicator.Sink, opts ...communicator.Option) (int, error) {
	return c.execute(ctx, command, sink, communicator.NewOptions(opts...))
}

// Sudo runs command through sudo, regardless of opts.
func (c *Communicator) Sudo(ctx context.Context, command string, sink communicator.Sink, opts ...communicator.Option) (int, error) {
	opts = append(opts, communicator.WithSudo(true))
	return c.execute(ctx, command, sink, communicator.NewOptions(opts...))
}

func (c *Communicator) execute(ctx context.Context, command string, sink communicator.Sink, opts communicator.Options) (int, error) {
	name, args := c.buildCommand(command, opts.Sudo)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = opts.Stdin
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to attach stderr: %w", err)
	}

	c.log.WithField("command", command).Debug("Executing command")
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to execute command: %w", err)
	}

	emitter := communicator.NewEmitter(sink, opts.StripANSI)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = communicator.Pump(stdout, communicator.Stdout, emitter)
	}()
	go func() {
		defer wg.Done()
		_ = communicator.Pump(stderr, communicator.Stderr, emitter)
	}()
	wg.Wait()

	err = cmd.Wait()
	status := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, fmt.Errorf("failed to execute command: %w", err)
		}
		status = exitErr.ExitCode()
		if status < 0 {
			return status, &communicator.Error{
				Kind:       communicator.KindExitStatusMissing,
				Host:       "local",
				Command:    command,
				ExitStatus: status,
				Err:        err,
			}
		}
	}

	if status != 0 && opts.ErrorCheck {
		return status, communicator.CommandError("local", command, status, opts)
	}
	return status, nil
}

// buildCommand returns the program and arguments for command, wrapped with
// sudo if requested.
func (c *Communicator) buildCommand(command string, sudo bool) (string, []string) {
	if !sudo {
		return c.shell, []string{"-c", command}
	}
	return "sudo", []string{"-n", "-H", c.shell, "-c", command}
}

// Upload copies localPath to remotePath on the same machine.
func (c *Communicator) Upload(ctx context.Context, localPath, remotePath string) error {
	return c.copy(ctx, localPath, remotePath)
}

// Download copies remotePath to localPath on the same machine.
func (c *Communicator) Download(ctx context.Context, remotePath, localPath string) error {
	return c.copy(ctx, remotePath, localPath)
}

func (c *Communicator) copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return &communicator.Error{
			Kind: communicator.KindTransferFailed,
			Host: "local",
			Path: dst,
			Err:  err,
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}
	return os.Chmod(dst, info.Mode().Perm())
}

// Close is a no-op for local execution.
func (c *Communicator) Close() error {
	return nil
}

// String returns a description of the target.
func (c *Communicator) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

var _ communicator.Communicator = (*Communicator)(nil)
