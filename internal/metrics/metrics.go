// Package metrics exposes Prometheus collectors for communicator activity.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sshcomm"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeNonZero = "nonzero"
	OutcomeError   = "error"
)

// Collector groups the communicator metrics on a private registry. All methods
// are safe to call on a nil *Collector, which records nothing.
type Collector struct {
	registry        *prometheus.Registry
	connectAttempts *prometheus.CounterVec
	handshakes      prometheus.Counter
	reconnects      prometheus.Counter
	commands        *prometheus.CounterVec
	transfers       *prometheus.CounterVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Transport connection attempts by result.",
		}, []string{"result"}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed transport handshakes.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connections discarded after a failed liveness probe.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Executed commands by outcome.",
		}, []string{"outcome"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "File transfers by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
	c.registry.MustRegister(c.connectAttempts, c.handshakes, c.reconnects, c.commands, c.transfers)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ConnectAttempt records one connection attempt. An empty result means success.
func (c *Collector) ConnectAttempt(result string) {
	if c == nil {
		return
	}
	if result == "" {
		result = OutcomeSuccess
	}
	c.connectAttempts.WithLabelValues(label(result)).Inc()
}

// Handshake records a completed handshake.
func (c *Collector) Handshake() {
	if c == nil {
		return
	}
	c.handshakes.Inc()
}

// Reconnect records a stale connection being replaced.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// Command records the outcome of one execution.
func (c *Collector) Command(status int, err error) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(outcome(status, err)).Inc()
}

// Transfer records the outcome of one upload or download.
func (c *Collector) Transfer(direction string, err error) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(direction, outcome(0, err)).Inc()
}

// WriteTextfile writes the registry in the node exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

func outcome(status int, err error) string {
	switch {
	case status > 0:
		return OutcomeNonZero
	case err != nil:
		return OutcomeError
	default:
		return OutcomeSuccess
	}
}

func label(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "_")
}
