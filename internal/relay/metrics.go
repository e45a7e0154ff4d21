package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPCAttempts - количество HTTP-попыток к ретранслятору по методам
var RPCAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "relay",
		Name:      "rpc_attempts_total",
		Help:      "Total number of relay RPC attempts",
	},
	[]string{"method"},
)

// EndpointRotations - количество ротаций endpoint'а из-за rate limit
var EndpointRotations = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "relay",
		Name:      "endpoint_rotations_total",
		Help:      "Total number of endpoint rotations caused by rate limiting",
	},
)

// ConfirmLatency - время от отправки транзакции до подтверждения
var ConfirmLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "lpkeeper",
		Subsystem: "relay",
		Name:      "confirmation_latency_seconds",
		Help:      "Time from submission to confirmed depth",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90},
	},
)
