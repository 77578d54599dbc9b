package communicator

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a communicator failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionTimeout
	KindConnectionRefused
	KindDisconnected
	KindHostUnreachable
	KindConnectionFailed
	KindAuthenticationFailed
	KindKeyTypeNotSupported
	KindKeyPermission
	KindKeyNotFound
	KindCommandFailed
	KindExitStatusMissing
	KindTransferUnavailable
	KindTransferFailed
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindConnectionTimeout:    "connection timeout",
	KindConnectionRefused:    "connection refused",
	KindDisconnected:         "disconnected",
	KindHostUnreachable:      "host unreachable",
	KindConnectionFailed:     "connection failed",
	KindAuthenticationFailed: "authentication failed",
	KindKeyTypeNotSupported:  "key type not supported",
	KindKeyPermission:        "insecure private key permissions",
	KindKeyNotFound:          "private key not found",
	KindCommandFailed:        "command failed",
	KindExitStatusMissing:    "exit status missing",
	KindTransferUnavailable:  "transfer unavailable",
	KindTransferFailed:       "transfer failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by communicators.
type Error struct {
	Kind Kind

	// Host is the machine address the failure relates to.
	Host string

	// Command and Options are set for execution failures.
	Command string
	Options *Options

	// ExitStatus is the remote exit status for command failures.
	ExitStatus int

	// Path is the file involved in a transfer failure.
	Path string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Host != "" {
		fmt.Fprintf(&b, " (%s)", e.Host)
	}
	switch e.Kind {
	case KindCommandFailed:
		fmt.Fprintf(&b, ": exit status %d: %s", e.ExitStatus, e.Command)
	default:
		if e.Command != "" {
			fmt.Fprintf(&b, ": %s", e.Command)
		}
		if e.ExitStatus != 0 {
			fmt.Fprintf(&b, ": exit status %d", e.ExitStatus)
		}
	}
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil && t.Command == "" && t.Host == ""
}

// Sentinels for errors.Is.
var (
	ErrConnectionTimeout    = &Error{Kind: KindConnectionTimeout}
	ErrConnectionRefused    = &Error{Kind: KindConnectionRefused}
	ErrDisconnected         = &Error{Kind: KindDisconnected}
	ErrHostUnreachable      = &Error{Kind: KindHostUnreachable}
	ErrConnectionFailed     = &Error{Kind: KindConnectionFailed}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrKeyTypeNotSupported  = &Error{Kind: KindKeyTypeNotSupported}
	ErrKeyPermission        = &Error{Kind: KindKeyPermission}
	ErrKeyNotFound          = &Error{Kind: KindKeyNotFound}
	ErrCommandFailed        = &Error{Kind: KindCommandFailed}
	ErrExitStatusMissing    = &Error{Kind: KindExitStatusMissing}
	ErrTransferUnavailable  = &Error{Kind: KindTransferUnavailable}
	ErrTransferFailed       = &Error{Kind: KindTransferFailed}
)

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CommandError builds the error raised when a checked command exits non-zero.
func CommandError(host, command string, status int, opts Options) *Error {
	kind := opts.ErrorKind
	if kind == KindUnknown {
		kind = KindCommandFailed
	}
	o := opts
	return &Error{
		Kind:       kind,
		Host:       host,
		Command:    command,
		Options:    &o,
		ExitStatus: status,
	}
}
