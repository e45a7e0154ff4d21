package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TicksProcessed - количество обработанных ценовых тиков по пулам
var TicksProcessed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "engine",
		Name:      "ticks_processed_total",
		Help:      "Total number of processed pool price ticks",
	},
)

// TriggersFired - сработавшие действия по типам
var TriggersFired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "engine",
		Name:      "triggers_fired_total",
		Help:      "Total number of fired trigger actions",
	},
	[]string{"action"},
)

// TriggerFailures - неудачные попытки действий (будут повторены
// следующим тиком)
var TriggerFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "engine",
		Name:      "trigger_failures_total",
		Help:      "Total number of failed trigger actions",
	},
)
