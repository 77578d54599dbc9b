package communicator

import "io"

// DefaultTerminalType is the PTY terminal type requested when none is given.
const DefaultTerminalType = "vt100"

// Options controls a single command execution.
type Options struct {
	// Sudo runs the command through non-interactive privilege escalation.
	Sudo bool

	// ErrorCheck turns a non-zero exit status into an error.
	ErrorCheck bool

	// ErrorKind is the kind of error raised when ErrorCheck trips.
	ErrorKind Kind

	// StripANSI removes terminal escape sequences from output chunks.
	StripANSI bool

	// TerminalType is the PTY terminal type.
	TerminalType string

	// Stdin, if set, is relayed to the remote command until it exits.
	Stdin io.Reader
}

// Option overrides a default execution option.
type Option func(*Options)

// DefaultOptions returns the options used when the caller overrides nothing.
func DefaultOptions() Options {
	return Options{
		ErrorCheck:   true,
		ErrorKind:    KindCommandFailed,
		StripANSI:    true,
		TerminalType: DefaultTerminalType,
	}
}

// NewOptions merges opts over the defaults. Later options win.
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.TerminalType == "" {
		o.TerminalType = DefaultTerminalType
	}
	if o.ErrorKind == KindUnknown {
		o.ErrorKind = KindCommandFailed
	}
	return o
}

// WithSudo sets privilege escalation.
func WithSudo(enabled bool) Option {
	return func(o *Options) {
		o.Sudo = enabled
	}
}

// WithErrorCheck controls whether a non-zero exit status is an error.
func WithErrorCheck(enabled bool) Option {
	return func(o *Options) {
		o.ErrorCheck = enabled
	}
}

// WithErrorKind selects the kind of error raised for a non-zero exit status.
func WithErrorKind(k Kind) Option {
	return func(o *Options) {
		o.ErrorKind = k
	}
}

// WithStripANSI controls ANSI escape stripping.
func WithStripANSI(enabled bool) Option {
	return func(o *Options) {
		o.StripANSI = enabled
	}
}

// WithTerminalType sets the PTY terminal type.
func WithTerminalType(term string) Option {
	return func(o *Options) {
		o.TerminalType = term
	}
}

// WithStdin relays r to the remote command's standard input.
func WithStdin(r io.Reader) Option {
	return func(o *Options) {
		o.Stdin = r
	}
}
