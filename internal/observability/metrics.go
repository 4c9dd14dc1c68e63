package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"device", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "camlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Inbound messages by reassembly result.",
		},
		[]string{"result"},
	)
	chunksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "protocol",
			Name:      "chunks_dropped_total",
			Help:      "Inbound chunks dropped before reassembly.",
		},
		[]string{"transport"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "command",
			Name:      "transitions_total",
			Help:      "Command lifecycle transitions.",
		},
		[]string{"command", "outcome"},
	)
	sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "transport",
			Name:      "sends_total",
			Help:      "Outbound messages by transport and result.",
		},
		[]string{"transport", "result"},
	)
	sendRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "transport",
			Name:      "send_retries_total",
			Help:      "Outbound write retries on a busy transport.",
		},
		[]string{"transport"},
	)
	linkConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "camlink",
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 while the transport has a peer.",
		},
		[]string{"transport"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, chunksDropped, commands,
			sends, sendRetries, linkConnected,
		)
	})
}

func RecordHTTPRequest(device, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(device, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(device, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one reassembly outcome: ok, invalid or timeout.
func RecordFrame(result string) {
	RegisterMetrics()
	frames.WithLabelValues(result).Inc()
}

func RecordChunkDropped(transport string) {
	RegisterMetrics()
	chunksDropped.WithLabelValues(transport).Inc()
}

func RecordCommand(command, outcome string) {
	RegisterMetrics()
	commands.WithLabelValues(command, outcome).Inc()
}

func RecordSend(transport, result string) {
	RegisterMetrics()
	sends.WithLabelValues(transport, result).Inc()
}

func RecordSendRetry(transport string) {
	RegisterMetrics()
	sendRetries.WithLabelValues(transport).Inc()
}

func SetConnected(transport string, connected bool) {
	RegisterMetrics()
	v := 0.0
	if connected {
		v = 1
	}
	linkConnected.WithLabelValues(transport).Set(v)
}
