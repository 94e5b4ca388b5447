package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const MetricPrefix = "experimentd_"

var transitionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "transitions_total",
		Help: "Number of lifecycle transitions applied",
	},
	[]string{"kind", "from", "to"},
)

var rejectedTransitionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "rejected_transitions_total",
		Help: "Number of lifecycle transitions rejected as invalid",
	},
	[]string{"kind", "from", "to"},
)

var restartCopiesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "restart_copies_total",
		Help: "Number of restart output copies by outcome",
	},
	[]string{"outcome"},
)

var serviceCommandsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "service_commands_total",
		Help: "Number of launch/terminate commands sent to the scheduler by outcome",
	},
	[]string{"command", "service_type", "outcome"},
)

var eventsDroppedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "events_dropped_total",
		Help: "Number of log events dropped because the publish buffer was full",
	},
)

var sinkErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "event_sink_errors_total",
		Help: "Number of log events a sink failed to forward",
	},
	[]string{"sink"},
)

var portsInUseGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "ports_in_use",
		Help: "Number of claimed ports per auxiliary service type",
	},
	[]string{"service_type"},
)

func RecordTransition(kind string, from, to domain.Status) {
	transitionsCounter.WithLabelValues(kind, string(from), string(to)).Inc()
}

func RecordRejectedTransition(kind string, from, to domain.Status) {
	rejectedTransitionsCounter.WithLabelValues(kind, string(from), string(to)).Inc()
}

func RecordRestartCopy(copied bool) {
	outcome := "copied"
	if !copied {
		outcome = "failed"
	}
	restartCopiesCounter.WithLabelValues(outcome).Inc()
}

func RecordServiceCommand(command string, serviceType domain.ServiceType, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	serviceCommandsCounter.WithLabelValues(command, string(serviceType), outcome).Inc()
}

func RecordDroppedEvent() {
	eventsDroppedCounter.Inc()
}

func RecordSinkError(sink string) {
	sinkErrorsCounter.WithLabelValues(sink).Inc()
}

func SetPortsInUse(serviceType domain.ServiceType, n int) {
	portsInUseGauge.WithLabelValues(string(serviceType)).Set(float64(n))
}
