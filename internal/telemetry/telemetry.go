// Package telemetry provides the counters the nine-step pipeline emits at
// step 9 ("emit telemetry"). Exposing these over HTTP is out of scope here;
// this package only exposes the prometheus.Registry so an embedding
// process can expose it however it likes (or not at all).
//
// Each Telemetry instance binds its own *prometheus.Registry rather than
// the package-level default registerer: many agents may run in one
// process (see transport.Hub), and promauto's global registerer panics
// on a second agent registering the same metric name.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tenzoki/agenmesh/internal/envelope"
)

// Telemetry is the set of counters one agent process tracks across the
// pipeline and reasoning loop.
type Telemetry struct {
	Registry *prometheus.Registry

	TasksReceived   *prometheus.CounterVec
	TasksDiscarded  *prometheus.CounterVec // labels: reason (retained|topic_mismatch|duplicate)
	TasksCompleted  prometheus.Counter
	TasksForwarded  prometheus.Counter
	TasksErrored    *prometheus.CounterVec // labels: code
	ReasoningCalls  prometheus.Counter
	ToolCallsTotal  prometheus.Counter
	RouterDecisions *prometheus.CounterVec // labels: outcome (complete|forward|failure)
}

// New creates a Telemetry instance with its own registry, so multiple
// agents can coexist in one process (e.g. tests, or the embedded
// transport.Hub fixture) without colliding on metric names.
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		Registry: reg,
		TasksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenmesh_tasks_received_total",
			Help: "Envelopes delivered to the pipeline off the transport's incoming stream.",
		}, []string{"agent_id"}),
		TasksDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenmesh_tasks_discarded_total",
			Help: "Envelopes silently discarded in steps 2-4 of the pipeline.",
		}, []string{"reason"}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenmesh_tasks_completed_total",
			Help: "Tasks that reached step 9 (inserted into the processed set).",
		}),
		TasksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenmesh_tasks_forwarded_total",
			Help: "Tasks routed to a next-hop agent rather than completed.",
		}),
		TasksErrored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenmesh_tasks_errored_total",
			Help: "Tasks that published an error payload, by error code.",
		}, []string{"code"}),
		ReasoningCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenmesh_reasoning_calls_total",
			Help: "Invocations of the LLM+tool reasoning loop.",
		}),
		ToolCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenmesh_tool_calls_total",
			Help: "Tool executions dispatched by the reasoning loop.",
		}),
		RouterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenmesh_router_decisions_total",
			Help: "Router decisions by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		t.TasksReceived, t.TasksDiscarded, t.TasksCompleted, t.TasksForwarded,
		t.TasksErrored, t.ReasoningCalls, t.ToolCallsTotal, t.RouterDecisions,
	)
	return t
}

// ErroredCode increments the error counter for a closed-taxonomy code.
func (t *Telemetry) ErroredCode(code envelope.ErrorCode) {
	t.TasksErrored.WithLabelValues(string(code)).Inc()
}
