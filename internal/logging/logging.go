// Package logging builds the structured logger shared by the CLI and the
// communicators.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Format is a supported log output format.
type Format string

const (
	FormatPlain Format = "plain"
	FormatJSON  Format = "json"
)

// ValidFormats lists all supported log formats.
var ValidFormats = []Format{FormatPlain, FormatJSON}

const timestampFormat = "2006-01-02 15:04:05"

// IsValidFormat checks if format is supported.
func IsValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if string(f) == format {
			return true
		}
	}
	return false
}

// New returns a logger writing to w at level in format. A nil w writes to
// stderr.
func New(level, format string, w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if !IsValidFormat(format) {
		return nil, fmt.Errorf("invalid log format %q. Valid formats are: %v", format, ValidFormats)
	}
	if w == nil {
		w = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)

	switch Format(format) {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	case FormatPlain:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}
	return logger, nil
}
