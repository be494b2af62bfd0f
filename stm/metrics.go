package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsStartedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "transactions_started_total",
			Help:      "Counter of started transactions by kind.",
		}, []string{"kind"})

	transactionsCommittedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "transactions_committed_total",
			Help:      "Counter of committed transactions.",
		})

	transactionRetriesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "transaction_retries_total",
			Help:      "Counter of transaction starts that were retries after an abort.",
		})

	abortsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "aborts_total",
			Help:      "Counter of aborts by conflict reason.",
		}, []string{"reason"})

	escalationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "escalations_total",
			Help:      "Counter of inevitable escalations by reason.",
		}, []string{"reason"})

	foreignCallsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "foreign_calls_total",
			Help:      "Counter of foreign-call boundary crossings by kind.",
		}, []string{"kind"})

	registeredThreadsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "registered_threads",
			Help:      "Number of currently registered worker contexts.",
		})

	configuredLengthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "configured_transaction_length_bytes",
			Help:      "Configured transaction length in nursery bytes, -1 if unlimited.",
		})

	medianAbortBytesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystm",
			Subsystem: "controller",
			Name:      "median_abort_bytes",
			Help:      "Rolling median of nursery bytes consumed by aborted transactions.",
		})
)

func init() {
	prometheus.MustRegister(transactionsStartedCounter)
	prometheus.MustRegister(transactionsCommittedCounter)
	prometheus.MustRegister(transactionRetriesCounter)
	prometheus.MustRegister(abortsCounter)
	prometheus.MustRegister(escalationsCounter)
	prometheus.MustRegister(foreignCallsCounter)
	prometheus.MustRegister(registeredThreadsGauge)
	prometheus.MustRegister(configuredLengthGauge)
	prometheus.MustRegister(medianAbortBytesGauge)
}
