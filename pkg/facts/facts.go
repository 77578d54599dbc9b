// Package facts gathers system information from managed machines.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/sshcomm/internal/communicator"
)

// Gather collects system facts from the machine behind comm. It fails only
// when the machine cannot be reached; individual facts that cannot be read
// are left out.
func Gather(ctx context.Context, comm communicator.Communicator) (map[string]any, error) {
	facts := make(map[string]any)

	osInfo, err := gatherOSInfo(ctx, comm)
	if err != nil {
		return nil, fmt.Errorf("failed to gather facts from %s: %w", comm, err)
	}
	for k, v := range osInfo {
		facts[k] = v
	}

	if hostname, err := output(ctx, comm, "hostname"); err == nil {
		facts["hostname"] = hostname
	}
	if user, err := output(ctx, comm, "id -un"); err == nil {
		facts["user"] = user
	}
	if home, err := output(ctx, comm, "echo $HOME"); err == nil {
		facts["home"] = home
	}
	if env := gatherEnv(ctx, comm); len(env) > 0 {
		facts["env"] = env
	}

	return facts, nil
}

// run executes command without error checking and returns its trimmed
// stdout and exit status.
func run(ctx context.Context, comm communicator.Communicator, command string) (string, int, error) {
	var capture communicator.Capture
	status, err := comm.Execute(ctx, command, capture.Sink(), communicator.WithErrorCheck(false))
	if err != nil {
		return "", status, err
	}
	return strings.TrimSpace(capture.Stdout()), status, nil
}

// output is run for commands that must succeed.
func output(ctx context.Context, comm communicator.Communicator, command string) (string, error) {
	out, status, err := run(ctx, comm, command)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", fmt.Errorf("%q exited with status %d", command, status)
	}
	return out, nil
}

// gatherOSInfo gathers operating system information.
func gatherOSInfo(ctx context.Context, comm communicator.Communicator) (map[string]any, error) {
	info := make(map[string]any)

	osType, err := output(ctx, comm, "uname -s")
	if err != nil {
		return info, err
	}
	info["os_type"] = osType

	switch osType {
	case "Darwin":
		info["os_family"] = "Darwin"
		info["pkg_manager"] = "brew"

		if version, err := output(ctx, comm, "sw_vers -productVersion"); err == nil {
			info["os_version"] = version
		}
		if name, err := output(ctx, comm, "sw_vers -productName"); err == nil {
			info["os_name"] = name
		}

	case "Linux":
		info["os_family"] = "Linux"

		if content, status, err := run(ctx, comm, "cat /etc/os-release 2>/dev/null"); err == nil && status == 0 {
			osRelease := parseOSRelease(content)
			if id, ok := osRelease["ID"]; ok {
				info["distribution"] = id
			}
			if version, ok := osRelease["VERSION_ID"]; ok {
				info["distribution_version"] = version
			}
			if name, ok := osRelease["PRETTY_NAME"]; ok {
				info["os_name"] = name
			}

			switch info["distribution"] {
			case "ubuntu", "debian", "linuxmint", "pop":
				info["pkg_manager"] = "apt"
				info["os_family"] = "Debian"
			case "fedora", "rhel", "centos", "rocky", "almalinux":
				info["pkg_manager"] = "dnf"
				info["os_family"] = "RedHat"
			case "arch", "manjaro":
				info["pkg_manager"] = "pacman"
				info["os_family"] = "Arch"
			case "alpine":
				info["pkg_manager"] = "apk"
				info["os_family"] = "Alpine"
			case "opensuse", "sles":
				info["pkg_manager"] = "zypper"
				info["os_family"] = "Suse"
			}
		}
	}

	if arch, err := output(ctx, comm, "uname -m"); err == nil {
		info["architecture"] = arch
		info["arch"] = normalizeArch(arch)
	}

	if kernel, err := output(ctx, comm, "uname -r"); err == nil {
		info["kernel"] = kernel
	}

	return info, nil
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}

// gatherEnv reads select environment variables from the login shell.
func gatherEnv(ctx context.Context, comm communicator.Communicator) map[string]string {
	env := make(map[string]string)
	for _, v := range []string{"PATH", "SHELL", "LANG", "LC_ALL", "TERM", "EDITOR"} {
		if value, err := output(ctx, comm, "echo $"+v); err == nil && value != "" {
			env[v] = value
		}
	}
	return env
}
