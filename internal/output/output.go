// Package output renders command output and status lines on the terminal.
package output

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	errW     io.Writer
	useColor bool
	debug    bool
	prefix   string

	// partial holds an unterminated trailing line per stream while a prefix
	// is set.
	partial map[communicator.Stream]*bytes.Buffer
}

// New creates a new output handler writing stdout chunks and status lines to
// w and stderr chunks to errW.
func New(w, errW io.Writer) *Output {
	return &Output{
		w:        w,
		errW:     errW,
		useColor: true,
		partial:  make(map[communicator.Stream]*bytes.Buffer),
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// SetPrefix sets a label written before every output line, typically the
// machine name. An empty prefix passes chunks through untouched.
func (o *Output) SetPrefix(prefix string) {
	o.prefix = prefix
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Sink returns a communicator.Sink that writes chunks to the terminal.
func (o *Output) Sink() communicator.Sink {
	return o.write
}

func (o *Output) write(ch communicator.Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w := o.w
	if ch.Stream == communicator.Stderr {
		w = o.errW
	}
	if o.prefix == "" {
		_, _ = w.Write(ch.Data)
		return
	}

	buf, ok := o.partial[ch.Stream]
	if !ok {
		buf = &bytes.Buffer{}
		o.partial[ch.Stream] = buf
	}
	buf.Write(ch.Data)
	for {
		i := bytes.IndexByte(buf.Bytes(), '\n')
		if i < 0 {
			return
		}
		line := buf.Next(i + 1)
		o.writeLine(w, ch.Stream, line)
	}
}

func (o *Output) writeLine(w io.Writer, stream communicator.Stream, line []byte) {
	label := fmt.Sprintf("[%s]", o.prefix)
	if stream == communicator.Stderr {
		label = o.color(colorRed, label)
	} else {
		label = o.color(colorGray, label)
	}
	_, _ = fmt.Fprintf(w, "%s %s", label, line)
}

// Flush writes any unterminated trailing lines.
func (o *Output) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, stream := range []communicator.Stream{communicator.Stdout, communicator.Stderr} {
		buf, ok := o.partial[stream]
		if !ok || buf.Len() == 0 {
			continue
		}
		w := o.w
		if stream == communicator.Stderr {
			w = o.errW
		}
		line := append(buf.Bytes(), '\n')
		o.writeLine(w, stream, line)
		buf.Reset()
	}
}

// CommandResult prints a one-line summary of a finished command.
// Format: [indicator] command (host) status
func (o *Output) CommandResult(host, command string, status int, elapsed time.Duration) {
	indicator := o.color(colorGreen, "✓")
	statusText := o.color(colorGreen, "ok")
	if status != 0 {
		indicator = o.color(colorRed, "✗")
		statusText = o.color(colorRed, fmt.Sprintf("exit %d", status))
	}
	o.printf("  %s %s %s %s %s\n",
		indicator,
		command,
		o.color(colorGray, fmt.Sprintf("(%s)", host)),
		statusText,
		o.color(colorGray, fmt.Sprintf("(%.2fs)", elapsed.Seconds())))
}

// TransferResult prints a one-line summary of a finished transfer.
func (o *Output) TransferResult(host, direction, src, dst string, err error) {
	if err != nil {
		o.printf("  %s %s %s -> %s %s\n", o.color(colorRed, "✗"), direction, src, dst, o.color(colorGray, fmt.Sprintf("(%s)", host)))
		return
	}
	o.printf("  %s %s %s -> %s %s\n", o.color(colorGreen, "✓"), direction, src, dst, o.color(colorGray, fmt.Sprintf("(%s)", host)))
}

// Ready prints the readiness of a machine.
func (o *Output) Ready(host string, ready bool) {
	if ready {
		o.printf("  %s %s %s\n", o.color(colorGreen, "✓"), host, o.color(colorGreen, "ready"))
		return
	}
	o.printf("  %s %s %s\n", o.color(colorRed, "✗"), host, o.color(colorRed, "unreachable"))
}

// Facts prints gathered facts sorted by key.
func (o *Output) Facts(host string, facts map[string]any) {
	o.Section(host)
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		o.printf("  %s %v\n", o.color(colorCyan, k+":"), facts[k])
	}
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
