package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeOutput           = "output"
	OutcomeModelError       = "model_error"
	OutcomeLoopExhausted    = "loop_exhausted"
	OutcomeRetriesExhausted = "retries_exhausted"
	OutcomeFailed           = "failed"
	OutcomeCancelled        = "cancelled"
)

// Retry failure kinds.
const (
	RetryTransport = "transport"
	RetryParse     = "parse"
)

// Agent collects orchestration metrics.
type Agent struct {
	runs       *prometheus.CounterVec
	toolCalls  *prometheus.CounterVec
	retries    *prometheus.CounterVec
	iterations prometheus.Histogram
}

// NewAgent registers the agent collectors with reg.
func NewAgent(reg prometheus.Registerer) *Agent {
	a := &Agent{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpilot_agent_runs_total",
			Help: "Agent runs by terminal outcome.",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpilot_agent_tool_calls_total",
			Help: "Tool dispatches by tool and result.",
		}, []string{"tool", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpilot_agent_reasoning_retries_total",
			Help: "Failed reasoning attempts by failure kind.",
		}, []string{"kind"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainpilot_agent_iterations",
			Help:    "Reasoning cycles consumed per run.",
			Buckets: []float64{1, 2, 4, 6, 8, 12, 16, 20, 25, 50},
		}),
	}
	if reg != nil {
		reg.MustRegister(a.runs, a.toolCalls, a.retries, a.iterations)
	}
	return a
}

// RunFinished counts one terminated run.
func (a *Agent) RunFinished(outcome string, iterations int) {
	if a == nil {
		return
	}
	a.runs.WithLabelValues(outcome).Inc()
	a.iterations.Observe(float64(iterations))
}

// ToolCalled counts one dispatch.
func (a *Agent) ToolCalled(tool, result string) {
	if a == nil {
		return
	}
	a.toolCalls.WithLabelValues(tool, result).Inc()
}

// RetryObserved counts one failed reasoning attempt.
func (a *Agent) RetryObserved(kind string) {
	if a == nil {
		return
	}
	a.retries.WithLabelValues(kind).Inc()
}
