package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EmailsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replypilot_emails_sent_total",
		Help: "Total number of emails accepted by the mailbox provider",
	}, []string{"source"})
	EmailsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replypilot_emails_failed_total",
		Help: "Total number of emails the mailbox provider rejected or that timed out",
	}, []string{"source"})
	SendsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replypilot_scheduled_sends_queued_total",
		Help: "Total number of scheduled sends created, by kind",
	}, []string{"kind"})
	// Fallbacks count completion calls that failed or returned unusable
	// output and were replaced by a fixed value.
	CompletionFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replypilot_completion_fallbacks_total",
		Help: "Total number of completion results replaced by a fallback",
	}, []string{"component"})
	InboxMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replypilot_inbox_messages_total",
		Help: "Inbound messages handled by the automation loop, by outcome",
	}, []string{"outcome"})
	InboxCycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replypilot_inbox_cycle_errors_total",
		Help: "Total number of inbox polling cycles that ended in an error",
	})
	FollowUpRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replypilot_followup_runs_total",
		Help: "Total number of follow-up dispatcher passes",
	})
)

func init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailsFailed)
	prometheus.MustRegister(SendsQueued)
	prometheus.MustRegister(CompletionFallbacks)
	prometheus.MustRegister(InboxMessages)
	prometheus.MustRegister(InboxCycleErrors)
	prometheus.MustRegister(FollowUpRuns)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
