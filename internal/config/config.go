// Package config loads machine definitions and CLI settings.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/sshcomm/internal/communicator/ssh"
)

// EnvPrefix prefixes environment variables that override config keys, e.g.
// SSHCOMM_LOGGING_LEVEL.
const EnvPrefix = "SSHCOMM"

// ErrMachineNotFound is returned when a named machine is not configured.
var ErrMachineNotFound = errors.New("machine not found")

// Config holds all configuration settings.
type Config struct {
	Logging  LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Machines map[string]Machine `mapstructure:"machines" yaml:"machines,omitempty"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// File is a node-exporter textfile the CLI writes counters to on exit.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// Machine describes how to reach one managed machine.
type Machine struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port,omitempty"`
	User              string        `mapstructure:"user" yaml:"user"`
	PrivateKey        string        `mapstructure:"private_key" yaml:"private_key"`
	ForwardAgent      bool          `mapstructure:"forward_agent" yaml:"forward_agent,omitempty"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	MaxTries          int           `mapstructure:"max_tries" yaml:"max_tries,omitempty"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay,omitempty"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay,omitempty"`
	Shell             string        `mapstructure:"shell" yaml:"shell,omitempty"`
	Transfer          string        `mapstructure:"transfer" yaml:"transfer,omitempty"`
	Quoting           string        `mapstructure:"quoting" yaml:"quoting,omitempty"`
	FixKeyPermissions bool          `mapstructure:"fix_key_permissions" yaml:"fix_key_permissions,omitempty"`
}

// Load loads configuration from files and environment variables. Later files
// override earlier ones.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		v.SetConfigFile(ssh.ExpandHome(path))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, m := range config.Machines {
		m.PrivateKey = ssh.ExpandHome(m.PrivateKey)
		config.Machines[name] = m
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "plain")
	v.SetDefault("metrics.file", "")
}

// Machine returns the named machine.
func (c *Config) Machine(name string) (Machine, error) {
	m, ok := c.Machines[name]
	if !ok {
		return Machine{}, fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	return m, nil
}

// MachineNames returns configured machine names in sorted order.
func (c *Config) MachineNames() []string {
	names := make([]string, 0, len(c.Machines))
	for name := range c.Machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SSHConfig converts the machine into a connection config. Zero fields are
// left for the communicator to default.
func (m Machine) SSHConfig() ssh.Config {
	return ssh.Config{
		Host:              m.Host,
		Port:              m.Port,
		User:              m.User,
		PrivateKeyPath:    ssh.ExpandHome(m.PrivateKey),
		ForwardAgent:      m.ForwardAgent,
		Timeout:           m.Timeout,
		MaxTries:          m.MaxTries,
		RetryDelay:        m.RetryDelay,
		SettleDelay:       m.SettleDelay,
		Shell:             m.Shell,
		Transfer:          ssh.TransferMethod(m.Transfer),
		Quoting:           ssh.QuotingPolicy(m.Quoting),
		FixKeyPermissions: m.FixKeyPermissions,
	}
}

// Render returns the effective configuration as YAML.
func Render(c *Config) ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
