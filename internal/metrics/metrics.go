// Package metrics exposes the Prometheus collectors the agent updates as it
// runs, mirroring the package-level singleton pattern used throughout the
// reference stack's observability packages.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Agent bundles the collectors tracked for a single agent process.
type Agent struct {
	runsStarted     prometheus.Counter
	runsCompleted   *prometheus.CounterVec
	proposalsSeen   prometheus.Counter
	proposalsVoted  prometheus.Counter
	proposalsErrors prometheus.Counter
	receiptOutcomes *prometheus.CounterVec
	decisionAbstain *prometheus.CounterVec
	livenessTx      prometheus.Counter
	checkpointFails prometheus.Counter
	runDurationSecs prometheus.Histogram
}

var (
	once     sync.Once
	registry *Agent
)

// Registry returns the process-wide Agent metrics, registering the
// collectors with the default Prometheus registry on first use.
func Registry() *Agent {
	once.Do(func() {
		registry = &Agent{
			runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quorumagent_runs_started_total",
				Help: "Count of agent runs started.",
			}),
			runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "quorumagent_runs_completed_total",
				Help: "Count of agent runs reaching a terminal state, by state.",
			}, []string{"state"}),
			proposalsSeen: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quorumagent_proposals_seen_total",
				Help: "Count of proposals considered by the filter across all runs.",
			}),
			proposalsVoted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quorumagent_proposals_voted_total",
				Help: "Count of proposals for which a vote was submitted.",
			}),
			proposalsErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quorumagent_proposals_errors_total",
				Help: "Count of proposals whose processing ended in an error receipt.",
			}),
			receiptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "quorumagent_vote_receipts_total",
				Help: "Count of vote receipts by outcome.",
			}, []string{"outcome", "path"}),
			decisionAbstain: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "quorumagent_decision_abstain_total",
				Help: "Count of AI decisions resulting in an abstain, by reason.",
			}, []string{"reason"}),
			livenessTx: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quorumagent_liveness_transactions_total",
				Help: "Count of liveness self-transfer transactions submitted.",
			}),
			checkpointFails: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "quorumagent_checkpoint_write_failures_total",
				Help: "Count of failed checkpoint writes.",
			}),
			runDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "quorumagent_run_duration_seconds",
				Help:    "Wall-clock duration of a completed agent run.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}),
		}
		prometheus.MustRegister(
			registry.runsStarted,
			registry.runsCompleted,
			registry.proposalsSeen,
			registry.proposalsVoted,
			registry.proposalsErrors,
			registry.receiptOutcomes,
			registry.decisionAbstain,
			registry.livenessTx,
			registry.checkpointFails,
			registry.runDurationSecs,
		)
	})
	return registry
}

func (a *Agent) RunStarted() {
	if a == nil {
		return
	}
	a.runsStarted.Inc()
}

func (a *Agent) RunCompleted(state string) {
	if a == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	a.runsCompleted.WithLabelValues(state).Inc()
}

func (a *Agent) ProposalSeen() {
	if a == nil {
		return
	}
	a.proposalsSeen.Inc()
}

func (a *Agent) ProposalVoted() {
	if a == nil {
		return
	}
	a.proposalsVoted.Inc()
}

func (a *Agent) ProposalErrored() {
	if a == nil {
		return
	}
	a.proposalsErrors.Inc()
}

func (a *Agent) ReceiptOutcome(outcome, path string) {
	if a == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	if path == "" {
		path = "unknown"
	}
	a.receiptOutcomes.WithLabelValues(outcome, path).Inc()
}

func (a *Agent) DecisionAbstain(reason string) {
	if a == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	a.decisionAbstain.WithLabelValues(reason).Inc()
}

func (a *Agent) LivenessTransaction() {
	if a == nil {
		return
	}
	a.livenessTx.Inc()
}

func (a *Agent) CheckpointWriteFailed() {
	if a == nil {
		return
	}
	a.checkpointFails.Inc()
}

func (a *Agent) ObserveRunDuration(seconds float64) {
	if a == nil {
		return
	}
	a.runDurationSecs.Observe(seconds)
}
