package ssh

import (
	"fmt"
	"os"

	"github.com/pkg/sftp"
)

// transferer moves single files over an established client.
type transferer interface {
	upload(client Client, localPath, remotePath string) error
	download(client Client, remotePath, localPath string) error
}

func newTransferer(method TransferMethod) transferer {
	if method == TransferSFTP {
		return sftpTransfer{}
	}
	return scpTransfer{}
}

// sftpTransfer uses the sftp subsystem.
type sftpTransfer struct{}

func (sftpTransfer) open(client Client) (*sftp.Client, Session, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, err
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("sftp: %w", err)
	}
	c, err := sftp.NewClientPipe(stdout, stdin)
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("failed to start sftp client: %w", err)
	}
	return c, session, nil
}

func (t sftpTransfer) upload(client Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	c, session, err := t.open(client)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()
	defer func() { _ = c.Close() }()

	dst, err := c.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote %s: %w", remotePath, err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to write remote %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote %s: %w", remotePath, err)
	}
	if err := c.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set mode on remote %s: %w", remotePath, err)
	}
	return nil
}

func (t sftpTransfer) download(client Client, remotePath, localPath string) error {
	c, session, err := t.open(client)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()
	defer func() { _ = c.Close() }()

	src, err := c.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote %s: %w", remotePath, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat remote %s: %w", remotePath, err)
	}

	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	if _, err := src.WriteTo(dst); err != nil {
		_ = dst.Close()
		_ = os.Remove(localPath)
		return fmt.Errorf("failed to read remote %s: %w", remotePath, err)
	}
	return dst.Close()
}
