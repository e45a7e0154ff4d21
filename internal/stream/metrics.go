package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconnects - количество потерь соединения, после которых запускался
// цикл переподключения
var Reconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Total number of reconnect cycles after a lost connection",
	},
)
