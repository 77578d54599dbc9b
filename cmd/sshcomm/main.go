// Package main is the entrypoint for the sshcomm CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
	"github.com/eugenetaranov/sshcomm/internal/config"
	"github.com/eugenetaranov/sshcomm/internal/output"
	"github.com/eugenetaranov/sshcomm/pkg/facts"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath  string
	debug       bool
	noColor     bool
	logFormat   string
	metricsFile string
	useLocal    bool
	target      machineFlags
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sshcomm",
	Short: "sshcomm - Run commands and copy files on provisioned machines",
	Long: `sshcomm talks to freshly provisioned machines over SSH.

It waits for a machine to accept connections, runs commands with streamed
output, and copies files in either direction. Machines are given on the
command line or named in a YAML config file.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Machines config file")
	rootCmd.PersistentFlags().StringVarP(&target.machine, "machine", "m", "", "Machine name from the config file")
	rootCmd.PersistentFlags().StringVarP(&target.host, "host", "H", "", "Machine host")
	rootCmd.PersistentFlags().IntVarP(&target.port, "port", "p", 0, "SSH port (default 22)")
	rootCmd.PersistentFlags().StringVarP(&target.user, "user", "u", "", "SSH user")
	rootCmd.PersistentFlags().StringVarP(&target.key, "key", "k", "", "Private key file")
	rootCmd.PersistentFlags().StringVar(&target.transfer, "transfer", "", "File transfer method (scp, sftp)")
	rootCmd.PersistentFlags().StringVar(&target.quoting, "quoting", "", "Command quoting policy (naive, escape, reject)")
	rootCmd.PersistentFlags().BoolVarP(&target.forwardAgent, "forward-agent", "A", false, "Forward the local SSH agent")
	rootCmd.PersistentFlags().BoolVar(&useLocal, "local", false, "Run against the local machine instead of SSH")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (plain, json)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus counters to this textfile on exit")

	// Add subcommands
	rootCmd.AddCommand(readyCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(sudoCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// readyCmd checks whether a machine accepts connections
var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Check whether a machine accepts connections",
	Long: `Connect to the machine, retrying transient failures, and report
whether it is reachable. Exits 1 when it is not.

Examples:
  sshcomm ready -H 10.0.0.5 -u deploy -k ~/.ssh/id_ed25519
  sshcomm ready -c machines.yaml -m web1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			ok := s.comm.Ready(ctx)
			s.ui.Ready(s.comm.String(), ok)
			if !ok {
				return &exitError{code: 1}
			}
			return nil
		})
	},
}

// execCmd runs a command
var execCmd = &cobra.Command{
	Use:   "exec <command>...",
	Short: "Run a command on a machine",
	Long: `Run a command under the login shell and stream its output.
The exit code is the remote exit status.

Examples:
  sshcomm exec -m web1 -- uname -a
  echo hello | sshcomm exec -m web1 cat`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(args, false)
	},
}

// sudoCmd runs a command with privilege escalation
var sudoCmd = &cobra.Command{
	Use:   "sudo <command>...",
	Short: "Run a command on a machine through sudo",
	Long: `Like exec, but through non-interactive sudo.

Examples:
  sshcomm sudo -m web1 -- apt-get update`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(args, true)
	},
}

var (
	stdinRelay bool
	prefix     bool
	summary    bool
)

func init() {
	for _, c := range []*cobra.Command{execCmd, sudoCmd} {
		c.Flags().BoolVarP(&stdinRelay, "stdin", "i", false, "Relay standard input (default when stdin is piped)")
		c.Flags().BoolVar(&prefix, "prefix", false, "Prefix every output line with the machine name")
		c.Flags().BoolVar(&summary, "summary", false, "Print a result line when the command finishes")
	}
}

func runCommand(args []string, sudo bool) error {
	command := strings.Join(args, " ")

	return withSession(func(ctx context.Context, s *session) error {
		opts := []communicator.Option{communicator.WithErrorCheck(false)}
		if relayStdin(stdinRelay) {
			opts = append(opts, communicator.WithStdin(os.Stdin))
		}
		if prefix {
			s.out.SetPrefix(s.name)
		}

		run := s.comm.Execute
		if sudo {
			run = s.comm.Sudo
		}

		start := time.Now()
		status, err := run(ctx, command, s.out.Sink(), opts...)
		s.out.Flush()
		if err != nil {
			return err
		}
		if summary {
			s.ui.CommandResult(s.comm.String(), command, status, time.Since(start))
		}
		if status != 0 {
			return &exitError{code: status}
		}
		return nil
	})
}

// relayStdin reports whether standard input should be forwarded. Piped input
// is forwarded by default; a terminal only when asked.
func relayStdin(requested bool) bool {
	if requested {
		return true
	}
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return false
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeNamedPipe != 0
}

// uploadCmd copies a local file to a machine
var uploadCmd = &cobra.Command{
	Use:   "upload <local> <remote>",
	Short: "Copy a local file to a machine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			err := s.comm.Upload(ctx, args[0], args[1])
			s.ui.TransferResult(s.comm.String(), "upload", args[0], args[1], err)
			return err
		})
	},
}

// downloadCmd copies a file from a machine
var downloadCmd = &cobra.Command{
	Use:   "download <remote> <local>",
	Short: "Copy a file from a machine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			err := s.comm.Download(ctx, args[0], args[1])
			s.ui.TransferResult(s.comm.String(), "download", args[0], args[1], err)
			return err
		})
	},
}

// factsCmd gathers system facts
var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Gather system facts from a machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			f, err := facts.Gather(ctx, s.comm)
			if err != nil {
				return err
			}
			s.out.Facts(s.name, f)
			return nil
		})
	},
}

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := config.Render(cfg)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(out); err != nil {
			return err
		}

		ui := output.New(os.Stderr, os.Stderr)
		ui.SetColor(!noColor && isatty.IsTerminal(os.Stderr.Fd()))
		ui.Info("%s", machineSummary(cfg.MachineNames()))
		return nil
	},
}

// machineSummary describes the configured machines in one line.
func machineSummary(names []string) string {
	if len(names) == 0 {
		return "no machines configured"
	}
	return fmt.Sprintf("%d machine(s): %s", len(names), strings.Join(names, ", "))
}
