// Package metrics exposes the Prometheus collectors of the gateway and
// forwarder runtimes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Runtime labels.
const (
	Server    = "server"
	Forwarder = "forwarder"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gwmp",
			Name:      "frames_received_total",
			Help:      "Total datagrams received and decoded.",
		},
		[]string{"runtime", "type"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gwmp",
			Name:      "frames_sent_total",
			Help:      "Total datagrams sent.",
		},
		[]string{"runtime", "type"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gwmp",
			Name:      "frames_dropped_total",
			Help:      "Total datagrams dropped.",
		},
		[]string{"runtime", "reason"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gwmp",
			Name:      "requests_total",
			Help:      "Total acknowledged requests by outcome.",
		},
		[]string{"runtime", "request", "outcome"},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gwmp",
			Name:      "sessions",
			Help:      "Number of active gateway sessions.",
		},
	)
)

// Register registers the collectors with the default registry. It is safe
// to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesReceived, framesSent, framesDropped, requests, sessions)
	})
}

// FrameReceived counts a decoded datagram.
func FrameReceived(runtime, packetType string) {
	Register()
	framesReceived.WithLabelValues(runtime, packetType).Inc()
}

// FrameSent counts a sent datagram.
func FrameSent(runtime, packetType string) {
	Register()
	framesSent.WithLabelValues(runtime, packetType).Inc()
}

// FrameDropped counts a datagram dropped for the given reason (e.g.
// "malformed", "invalid_payload", "unsolicited").
func FrameDropped(runtime, reason string) {
	Register()
	framesDropped.WithLabelValues(runtime, reason).Inc()
}

// RequestDone counts a finished request by its outcome.
func RequestDone(runtime, request, outcome string) {
	Register()
	requests.WithLabelValues(runtime, request, outcome).Inc()
}

// SetSessions sets the number of active sessions.
func SetSessions(n int) {
	Register()
	sessions.Set(float64(n))
}
