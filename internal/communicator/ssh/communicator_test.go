package ssh

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"github.com/eugenetaranov/sshcomm/internal/metrics"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing host", Config{User: "u", PrivateKeyPath: "/k"}},
		{"missing user", Config{Host: "h", PrivateKeyPath: "/k"}},
		{"missing key", Config{Host: "h", User: "u"}},
		{"bad port", Config{Host: "h", User: "u", PrivateKeyPath: "/k", Port: 70000}},
		{"bad transfer", Config{Host: "h", User: "u", PrivateKeyPath: "/k", Transfer: "rsync"}},
		{"bad quoting", Config{Host: "h", User: "u", PrivateKeyPath: "/k", Quoting: "shell"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(Config{Host: "10.0.0.5", User: "ubuntu", PrivateKeyPath: "/keys/id"})
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, c.cfg.Port)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, DefaultMaxTries, c.cfg.MaxTries)
	assert.Equal(t, DefaultSettleDelay, c.cfg.SettleDelay)
	assert.Equal(t, DefaultShell, c.cfg.Shell)
	assert.Equal(t, TransferSCP, c.cfg.Transfer)
	assert.Equal(t, QuoteNaive, c.cfg.Quoting)
	assert.NotNil(t, c.cfg.HostKeyCallback)
	assert.Equal(t, "ssh://ubuntu@10.0.0.5:22", c.String())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConfig_DelayDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero selects default", 0, time.Second},
		{"negative disables", -time.Second, 0},
		{"positive kept", 5 * time.Millisecond, 5 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Host: "h", User: "u", PrivateKeyPath: "/k", RetryDelay: tt.in, SettleDelay: tt.in}.withDefaults()
			assert.Equal(t, tt.want, cfg.RetryDelay)
			assert.Equal(t, tt.want, cfg.SettleDelay)
		})
	}
}

func TestNew_ExpandsHomeInKeyPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	c, err := New(Config{Host: "h", User: "u", PrivateKeyPath: "~/.ssh/id_ed25519"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), c.cfg.PrivateKeyPath)
}

func TestCommunicator_ExecuteEcho(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)

	var capture communicator.Capture
	status, err := c.Execute(context.Background(), "echo hi", capture.Sink())

	require.NoError(t, err)
	assert.Equal(t, 0, status)
	want := []communicator.Chunk{{Stream: communicator.Stdout, Data: []byte("hi\n")}}
	if diff := cmp.Diff(want, capture.Chunks()); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestCommunicator_ExecuteFalse(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)

	status, err := c.Execute(context.Background(), "false", nil)

	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, communicator.ErrCommandFailed)
	var ce *communicator.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.ExitStatus)
	assert.Equal(t, "false", ce.Command)
}

func TestCommunicator_ExecuteWithoutErrorCheck(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)

	status, err := c.Execute(context.Background(), "exit 42", nil, communicator.WithErrorCheck(false))

	assert.NoError(t, err)
	assert.Equal(t, 42, status)
}

func TestCommunicator_StderrChunks(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)

	var capture communicator.Capture
	_, err := c.Execute(context.Background(), "warn", capture.Sink())

	require.NoError(t, err)
	assert.Equal(t, "careful\n", capture.Stderr())
	assert.Empty(t, capture.Stdout())
}

func TestCommunicator_Sudo(t *testing.T) {
	c, srv := newServerCommunicator(t, shellHandler, nil)

	var capture communicator.Capture
	_, err := c.Sudo(context.Background(), "whoami", capture.Sink(), communicator.WithSudo(false))

	require.NoError(t, err)
	assert.Equal(t, "root\n", capture.Stdout())
	assert.Equal(t, []string{"sudo -n -H bash -l -c 'whoami'"}, srv.executed())
}

func TestCommunicator_StdinRelay(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)

	var capture communicator.Capture
	_, err := c.Execute(context.Background(), "cat", capture.Sink(), communicator.WithStdin(strings.NewReader("line one\n")))

	require.NoError(t, err)
	assert.Equal(t, "line one\n", capture.Stdout())
}

func TestCommunicator_ReusesConnection(t *testing.T) {
	c, srv := newServerCommunicator(t, shellHandler, nil)

	_, err := c.Execute(context.Background(), "echo hi", nil)
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), "echo hi", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.handshakes.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestCommunicator_ReconnectsAfterDrop(t *testing.T) {
	c, srv := newServerCommunicator(t, shellHandler, nil)

	_, err := c.Execute(context.Background(), "echo hi", nil)
	require.NoError(t, err)

	srv.dropConnections()

	var capture communicator.Capture
	_, err = c.Execute(context.Background(), "echo hi", capture.Sink())
	require.NoError(t, err)
	assert.Equal(t, "hi\n", capture.Stdout())
	assert.Equal(t, int32(2), srv.handshakes.Load())
}

func TestCommunicator_Ready(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)
	assert.True(t, c.Ready(context.Background()))
	assert.True(t, c.Ready(context.Background()))
}

func TestCommunicator_ReadyFalseWhenRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	keyPath, _ := writeKey(t)
	log, _ := testLogger()
	c, err := New(Config{
		Host:           "127.0.0.1",
		Port:           port,
		User:           "deploy",
		PrivateKeyPath: keyPath,
		MaxTries:       2,
		RetryDelay:     time.Millisecond,
	}, WithLogger(log))
	require.NoError(t, err)

	assert.False(t, c.Ready(context.Background()))

	_, err = c.Execute(context.Background(), "echo hi", nil)
	assert.ErrorIs(t, err, communicator.ErrConnectionRefused)
}

func TestCommunicator_WrongKeyFailsAuthentication(t *testing.T) {
	_, serverSigner := writeKey(t)
	srv := newTestServer(t, serverSigner.PublicKey(), shellHandler)
	host, port := srv.hostPort()
	otherKey, _ := writeKey(t)

	log, _ := testLogger()
	c, err := New(Config{
		Host:           host,
		Port:           port,
		User:           "deploy",
		PrivateKeyPath: otherKey,
		MaxTries:       3,
		RetryDelay:     time.Millisecond,
	}, WithLogger(log))
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), "echo hi", nil)
	assert.ErrorIs(t, err, communicator.ErrAuthenticationFailed)
	assert.Equal(t, 1, c.conn.attempts)
}

func TestCommunicator_UploadSCP(t *testing.T) {
	sink := newSCPSink()
	c, _ := newServerCommunicator(t, sink.handle, nil)

	local := filepath.Join(t.TempDir(), "app.conf")
	require.NoError(t, os.WriteFile(local, []byte("listen 80\n"), 0o640))
	require.NoError(t, os.Chmod(local, 0o640))

	require.NoError(t, c.Upload(context.Background(), local, "/etc/app.conf"))

	assert.Equal(t, "listen 80\n", string(sink.files["/etc/app.conf"]))
	assert.Equal(t, "0640", sink.modes["/etc/app.conf"])
}

func TestCommunicator_DownloadSCP(t *testing.T) {
	sink := newSCPSink()
	sink.source["/var/log/app.log"] = []byte("started\n")
	c, _ := newServerCommunicator(t, sink.handle, nil)

	local := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, c.Download(context.Background(), "/var/log/app.log", local))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "started\n", string(data))

	info, err := os.Stat(local)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestCommunicator_DownloadMissingRemoteFile(t *testing.T) {
	sink := newSCPSink()
	c, _ := newServerCommunicator(t, sink.handle, nil)

	local := filepath.Join(t.TempDir(), "missing")
	err := c.Download(context.Background(), "/nope", local)

	require.ErrorIs(t, err, communicator.ErrTransferFailed)
	assert.Contains(t, err.Error(), "No such file or directory")
	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr), "partial download should be removed")
}

func TestCommunicator_DownloadFailureKeepsExistingFile(t *testing.T) {
	sink := newSCPSink()
	c, _ := newServerCommunicator(t, sink.handle, nil)

	dir := t.TempDir()
	local := filepath.Join(dir, "precious")
	require.NoError(t, os.WriteFile(local, []byte("keep me"), 0o600))

	err := c.Download(context.Background(), "/nope", local)
	require.ErrorIs(t, err, communicator.ErrTransferFailed)

	data, readErr := os.ReadFile(local)
	require.NoError(t, readErr)
	assert.Equal(t, "keep me", string(data))

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1, "temporary download file should be removed")
}

func TestCommunicator_UploadWithoutSCP(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)

	local := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	err := c.Upload(context.Background(), local, "/tmp/f")

	require.ErrorIs(t, err, communicator.ErrTransferUnavailable)
	assert.Contains(t, err.Error(), "command not found")
	assert.Contains(t, err.Error(), "(127)")
}

func TestCommunicator_SFTPRoundTrip(t *testing.T) {
	c, srv := newServerCommunicator(t, shellHandler, func(cfg *Config) {
		cfg.Transfer = TransferSFTP
	})
	srv.sftp.Store(true)

	dir := t.TempDir()
	local := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(local, []byte("sftp payload"), 0o600))
	require.NoError(t, os.Chmod(local, 0o600))
	remote := filepath.Join(dir, "remote.bin")

	require.NoError(t, c.Upload(context.Background(), local, remote))

	data, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "sftp payload", string(data))

	back := filepath.Join(dir, "back.bin")
	require.NoError(t, c.Download(context.Background(), remote, back))
	data, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "sftp payload", string(data))
}

func TestCommunicator_SFTPUnavailable(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, func(cfg *Config) {
		cfg.Transfer = TransferSFTP
	})

	local := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	err := c.Upload(context.Background(), local, "/tmp/f")
	assert.ErrorIs(t, err, communicator.ErrTransferUnavailable)
}

func TestCommunicator_Metrics(t *testing.T) {
	keyPath, _ := writeKey(t)
	client := &fakeClient{newSession: func() (Session, error) {
		return &fakeSession{stdout: "ok\n"}, nil
	}}
	d := &fakeDialer{results: []dialResult{{client: client}}}
	mc := metrics.New()
	log, _ := testLogger()

	c, err := New(Config{
		Host:           "192.0.2.10",
		User:           "deploy",
		PrivateKeyPath: keyPath,
		SettleDelay:    time.Millisecond,
	}, WithDialer(d.dial), WithMetrics(mc), WithLogger(log))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Execute(context.Background(), "echo "+strconv.Itoa(i), nil)
		require.NoError(t, err)
	}

	count, err := testutil.GatherAndCount(mc.Registry(), "sshcomm_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, d.callCount())
	assert.Equal(t, []string{"deploy"}, d.users)
}

func TestCommunicator_Close(t *testing.T) {
	c, _ := newServerCommunicator(t, shellHandler, nil)
	require.True(t, c.Ready(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
}
