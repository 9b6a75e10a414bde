// Package metrics exposes prometheus counters for helper invocations,
// hypervisor sessions, adapter saves and settings files.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmnetsync"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// HelperInvocations counts privileged helper runs by verb and result.
	HelperInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "helper_invocations_total",
		Help:      "Privileged mount helper invocations.",
	}, []string{"verb", "result"})

	// SessionLocks counts machine lock attempts by mode and result.
	SessionLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_locks_total",
		Help:      "Hypervisor session lock attempts.",
	}, []string{"mode", "result"})

	// AdapterSaves counts adapter save operations by kind (full or runtime)
	// and result.
	AdapterSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_saves_total",
		Help:      "Network adapter save operations.",
	}, []string{"kind", "result"})

	// SettingsFiles counts settings encode/decode operations.
	SettingsFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settings_files_total",
		Help:      "Settings blob encode and decode operations.",
	}, []string{"op", "result"})

	// ToolCalls counts MCP tool calls by tool and outcome (ok, error,
	// denied or confirm).
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "MCP tool calls.",
	}, []string{"tool", "outcome"})

	// KeepaliveFailures counts failed hypervisor liveness probes.
	KeepaliveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_failures_total",
		Help:      "Failed hypervisor keepalive probes.",
	})
)

// Result maps an error to a result label value.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
