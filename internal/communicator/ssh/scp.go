package ssh

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// scpError is a failed remote scp run.
type scpError struct {
	status int
	msg    string
}

func (e *scpError) Error() string {
	return fmt.Sprintf("scp: %s (%d)", e.msg, e.status)
}

func (e *scpError) ExitStatus() int {
	return e.status
}

// scpTransfer speaks the scp sink and source protocols over a session.
type scpTransfer struct{}

func (scpTransfer) upload(client Client, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	return runSCP(client, "scp -t "+shellQuote(remotePath), func(r *bufio.Reader, w io.Writer) error {
		if err := readAck(r); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "C%04o %d %s\n", info.Mode().Perm(), info.Size(), path.Base(remotePath)); err != nil {
			return err
		}
		if err := readAck(r); err != nil {
			return err
		}
		if _, err := io.CopyN(w, f, info.Size()); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		return readAck(r)
	})
}

func (scpTransfer) download(client Client, remotePath, localPath string) (err error) {
	f, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	var mode os.FileMode
	err = runSCP(client, "scp -f "+shellQuote(remotePath), func(r *bufio.Reader, w io.Writer) error {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		var size int64
		var err error
		mode, size, err = readFileHeader(r, w)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		if _, err := io.CopyN(f, r, size); err != nil {
			return err
		}
		if err := readAck(r); err != nil {
			return err
		}
		_, err = w.Write([]byte{0})
		return err
	})
	if err != nil {
		return err
	}
	if err = f.Chmod(mode); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), localPath); err != nil {
		return fmt.Errorf("failed to replace %s: %w", localPath, err)
	}
	return nil
}

// runSCP starts remote on a new session and drives the protocol with fn.
func runSCP(client Client, remote string, fn func(r *bufio.Reader, w io.Writer) error) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return err
	}

	if err := session.Start(remote); err != nil {
		return fmt.Errorf("failed to start %q: %w", remote, err)
	}

	var stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, stderrPipe)
	}()

	protoErr := fn(bufio.NewReader(stdout), stdin)
	_ = stdin.Close()
	waitErr := session.Wait()
	wg.Wait()

	return scpResult(protoErr, waitErr, stderr.String())
}

func scpResult(protoErr, waitErr error, stderr string) error {
	status, statusErr := exitStatus(waitErr)
	if protoErr == nil && statusErr == nil && status == 0 {
		return nil
	}
	if protoErr == nil && statusErr != nil {
		return fmt.Errorf("scp session failed: %w", statusErr)
	}

	msg := strings.TrimSpace(stderr)
	if msg == "" && protoErr != nil {
		msg = protoErr.Error()
	}
	if msg == "" {
		msg = "transfer failed"
	}
	return &scpError{status: status, msg: msg}
}

// readAck reads one scp response byte. Warnings and errors carry a message
// line.
func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read scp response: %w", err)
	}
	switch b {
	case 0:
		return nil
	case 1, 2:
		line, _ := r.ReadString('\n')
		return errors.New(strings.TrimSpace(line))
	default:
		return fmt.Errorf("unexpected scp response %q", b)
	}
}

// readFileHeader reads records until a file header and returns its mode and
// size. Timestamp records are acknowledged and skipped.
func readFileHeader(r *bufio.Reader, w io.Writer) (os.FileMode, int64, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read scp header: %w", err)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read scp header: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")

		switch b {
		case 'C':
			return parseFileHeader(line)
		case 'T':
			if _, err := w.Write([]byte{0}); err != nil {
				return 0, 0, err
			}
		case 'D':
			return 0, 0, errors.New("remote path is a directory")
		case 1, 2:
			return 0, 0, errors.New(strings.TrimSpace(line))
		default:
			return 0, 0, fmt.Errorf("unexpected scp record %q", b)
		}
	}
}

// parseFileHeader parses "0644 1234 name" from a C record.
func parseFileHeader(line string) (os.FileMode, int64, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("malformed scp header %q", line)
	}
	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed scp mode %q: %w", fields[0], err)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return 0, 0, fmt.Errorf("malformed scp size %q", fields[1])
	}
	return os.FileMode(mode).Perm(), size, nil
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
