package heap

import "github.com/prometheus/client_golang/prometheus"

var (
	commitsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "commits_total",
			Help:      "Counter of committed transactions.",
		})

	conflictsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "conflicts_total",
			Help:      "Counter of transaction conflicts by reason.",
		}, []string{"reason"})

	promotedBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "promoted_bytes_total",
			Help:      "Counter of nursery bytes promoted at commit.",
		})

	droppedObjectsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "dropped_objects_total",
			Help:      "Counter of young objects unreachable at commit.",
		})

	inevitableWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "inevitable_wait_seconds",
			Help:      "Bucketed histogram of time (s) spent waiting for the inevitable slot.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		})

	pressureSignalsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "pressure_signals_total",
			Help:      "Counter of memory pressure commit-soon broadcasts.",
		})

	stopWorldCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "stop_world_total",
			Help:      "Counter of globally unique transaction claims.",
		})

	memoryUsedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "memory_used_percent",
			Help:      "Host memory usage sampled by the pressure monitor.",
		})

	liveObjectsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "live_objects",
			Help:      "Number of committed objects in the directory.",
		})

	snapshotDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinystm",
			Subsystem: "heap",
			Name:      "snapshot_duration_seconds",
			Help:      "Bucketed histogram of time (s) taken to write a heap snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13),
		})
)

func init() {
	prometheus.MustRegister(commitsCounter)
	prometheus.MustRegister(conflictsCounter)
	prometheus.MustRegister(promotedBytesCounter)
	prometheus.MustRegister(droppedObjectsCounter)
	prometheus.MustRegister(inevitableWaitDuration)
	prometheus.MustRegister(pressureSignalsCounter)
	prometheus.MustRegister(stopWorldCounter)
	prometheus.MustRegister(memoryUsedGauge)
	prometheus.MustRegister(liveObjectsGauge)
	prometheus.MustRegister(snapshotDurationHistogram)
}
