package microdhcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microdhcp",
		Name:      "packets_received_total",
		Help:      "DHCP messages received, by message type.",
	}, []string{"type"})

	repliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microdhcp",
		Name:      "replies_sent_total",
		Help:      "DHCP replies sent, by message type.",
	}, []string{"type"})

	packetsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "microdhcp",
		Name:      "packets_ignored_total",
		Help:      "DHCP messages that produced no reply.",
	})

	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "microdhcp",
		Name:      "send_errors_total",
		Help:      "Failures to transmit a DHCP reply.",
	})
)
