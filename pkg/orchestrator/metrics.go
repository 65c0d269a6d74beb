package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "runs_started_total",
		Help:      "Number of analysis and proposal runs admitted.",
	}, []string{"kind"})
	metricRunsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "runs_failed_total",
		Help:      "Number of runs that failed terminally, by fallback reason.",
	}, []string{"reason"})
	metricProposalsReady = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "proposals_ready_total",
		Help:      "Number of proposals delivered for review, by delivery mode.",
	}, []string{"mode"})
	metricAnalysesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "analyses_completed_total",
		Help:      "Number of completed analysis runs.",
	})
	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "fallback_runs_total",
		Help:      "Number of fallback delivery attempts, by classified reason.",
	}, []string{"reason"})
	metricApprovals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "proposals_approved_total",
		Help:      "Number of proposals approved and queued for persistence.",
	})
	metricRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "proposals_rejected_total",
		Help:      "Number of proposals explicitly rejected by authors.",
	})
	metricHashMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "approval_hash_mismatches_total",
		Help:      "Number of approvals rejected by the diff hash check.",
	})
	metricReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "queue_replacements_total",
		Help:      "Number of pending queue entries displaced by newer requests.",
	})
	metricEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coauthor",
		Name:      "evictions_total",
		Help:      "Number of TTL evictions, by kind (proposal or session).",
	}, []string{"kind"})
)

func recordRunStarted(kind string) {
	metricRunsStarted.WithLabelValues(kind).Inc()
}

func recordRunFailed(reason string) {
	metricRunsFailed.WithLabelValues(reason).Inc()
}

func recordProposalReady(mode string) {
	metricProposalsReady.WithLabelValues(mode).Inc()
}

func recordAnalysisCompleted() {
	metricAnalysesCompleted.Inc()
}

func recordFallback(reason string) {
	metricFallbacks.WithLabelValues(reason).Inc()
}

func recordApproval() {
	metricApprovals.Inc()
}

func recordRejection() {
	metricRejections.Inc()
}

func recordHashMismatch() {
	metricHashMismatches.Inc()
}

func recordReplacement() {
	metricReplacements.Inc()
}

func recordEviction(kind string) {
	metricEvictions.WithLabelValues(kind).Inc()
}
