package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_emails_sent_total",
			Help: "Total emails accepted by the SMTP server",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_email_failures_total",
			Help: "Total emails that failed after all SMTP attempts",
		},
	)

	SendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_smtp_attempts_total",
			Help: "SMTP delivery attempts by result",
		},
		[]string{"result"},
	)

	CommandsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_commands_enqueued_total",
			Help: "Total commands accepted by the queue",
		},
	)

	CommandOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_command_outcomes_total",
			Help: "Processed commands by outcome",
		},
		[]string{"outcome"},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_store_errors_total",
			Help: "Command store errors by operation",
		},
		[]string{"op"},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailer_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the send rate limiter",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	QueueCommands = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailer_queue_commands",
			Help: "Commands in the store by state",
		},
		[]string{"state"},
	)
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			EmailsSent,
			EmailFailures,
			SendAttempts,
			CommandsEnqueued,
			CommandOutcomes,
			StoreErrors,
			RateLimitWait,
			QueueCommands,
		)
	})
}
