package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dual-run comparison metrics. The operator reads the two path counters
// side by side to decide when the stream path has caught up with the
// legacy relay and cutover is safe.
var (
	missionsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalbus",
		Subsystem: "relay",
		Name:      "missions_posted_total",
		Help:      "Mission endpoint posts that returned 2xx, by delivery path.",
	}, []string{"path"})

	missionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalbus",
		Subsystem: "relay",
		Name:      "missions_failed_total",
		Help:      "Mission endpoint posts that exhausted their retry budget.",
	}, []string{"path"})

	deadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Subsystem: "relay",
		Name:      "dead_lettered_total",
		Help:      "Stream entries moved to the dead-letter stream.",
	})

	lastPostAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalbus",
		Subsystem: "relay",
		Name:      "last_post_timestamp_seconds",
		Help:      "Unix time of the last successful mission post, by path.",
	}, []string{"path"})
)

const (
	pathStream = "stream"
	pathLegacy = "legacy"
)
