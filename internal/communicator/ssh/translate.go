package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"golang.org/x/crypto/ssh"
)

// exitStatusMissing is the status reported when the remote end closed the
// channel without sending one.
const exitStatusMissing = -1

// commandNotFound is the shell's exit status for an unknown command.
const commandNotFound = 127

// exitStatuser is implemented by *ssh.ExitError.
type exitStatuser interface {
	ExitStatus() int
}

// classifyConnectError maps a dial or handshake failure to an error kind.
func classifyConnectError(err error) communicator.Kind {
	if err == nil {
		return communicator.KindUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return communicator.KindAuthenticationFailed
	case errors.Is(err, syscall.ECONNREFUSED),
		strings.Contains(msg, "connection refused"):
		return communicator.KindConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return communicator.KindHostUnreachable
	case isTimeout(err):
		return communicator.KindConnectionTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, net.ErrClosed),
		strings.Contains(msg, "connection reset"):
		return communicator.KindDisconnected
	default:
		return communicator.KindConnectionFailed
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "i/o timeout")
}

// retryable reports whether a connection failure of kind k is worth another
// attempt.
func retryable(k communicator.Kind) bool {
	switch k {
	case communicator.KindConnectionTimeout,
		communicator.KindConnectionRefused,
		communicator.KindDisconnected,
		communicator.KindHostUnreachable:
		return true
	}
	return false
}

// translateConnectError wraps a connection failure in a *communicator.Error.
// Errors that are already classified pass through.
func translateConnectError(addr string, err error) error {
	if err == nil {
		return nil
	}
	var ce *communicator.Error
	if errors.As(err, &ce) {
		if ce.Host == "" {
			ce.Host = addr
		}
		return ce
	}
	return &communicator.Error{
		Kind: classifyConnectError(err),
		Host: addr,
		Err:  err,
	}
}

// translateKeyError classifies a private key parse failure.
func translateKeyError(path string, err error) error {
	return &communicator.Error{
		Kind: communicator.KindKeyTypeNotSupported,
		Path: path,
		Err:  err,
	}
}

// exitStatus extracts the remote exit status from the result of
// Session.Wait or Session.Run.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var es exitStatuser
	if errors.As(err, &es) {
		return es.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return exitStatusMissing, &communicator.Error{
			Kind:       communicator.KindExitStatusMissing,
			ExitStatus: exitStatusMissing,
			Err:        err,
		}
	}
	return exitStatusMissing, err
}

// isTransferUnavailable reports whether err means the remote end has no
// transfer tool.
func isTransferUnavailable(err error) bool {
	var es exitStatuser
	if errors.As(err, &es) && es.ExitStatus() == commandNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "command not found") ||
		strings.Contains(msg, "subsystem request failed")
}

// translateTransferError wraps a transfer failure in a *communicator.Error.
func translateTransferError(addr, path string, err error) error {
	if err == nil {
		return nil
	}
	var ce *communicator.Error
	if errors.As(err, &ce) {
		return err
	}
	kind := communicator.KindTransferFailed
	if isTransferUnavailable(err) {
		kind = communicator.KindTransferUnavailable
	}
	return &communicator.Error{
		Kind: kind,
		Host: addr,
		Path: path,
		Err:  err,
	}
}
