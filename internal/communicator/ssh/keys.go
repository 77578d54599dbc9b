package ssh

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"golang.org/x/crypto/ssh"
)

// insecureKeyBits are the permission bits a private key must not carry.
const insecureKeyBits fs.FileMode = 0o077

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// checkKeyPermissions fails when the key at path is readable by group or
// others. With fix set it first tries to tighten the mode to 0600.
func checkKeyPermissions(path string, fix bool) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &communicator.Error{Kind: communicator.KindKeyNotFound, Path: path, Err: err}
		}
		return &communicator.Error{Kind: communicator.KindKeyPermission, Path: path, Err: err}
	}
	perm := info.Mode().Perm()
	if perm&insecureKeyBits == 0 {
		return nil
	}
	if fix {
		if err := os.Chmod(path, 0o600); err == nil {
			return nil
		}
	}
	return &communicator.Error{
		Kind: communicator.KindKeyPermission,
		Path: path,
		Err:  fmt.Errorf("mode %04o grants access to group or others", perm),
	}
}

// loadSigner reads and parses the private key at path.
func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &communicator.Error{Kind: communicator.KindKeyNotFound, Path: path, Err: err}
		}
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, translateKeyError(path, err)
	}
	return signer, nil
}
