package svc

import "github.com/zeromicro/go-zero/core/metric"

const (
	metricsNamespace = "swarmcast"
	metricsSubsystem = "peer"
)

var (
	metricPieceCounter   metric.CounterVec
	metricSessionCounter metric.CounterVec
	metricDataRequest    metric.CounterVec
	metricControlCommand metric.CounterVec
	metricTrafficCounter metric.CounterVec
	metricHeld           metric.GaugeVec
)

func init() {
	metricPieceCounter = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "piece",
		Labels:    []string{"result"},
	})
	metricSessionCounter = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "session_state",
		Labels:    []string{"state"},
	})
	metricDataRequest = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "data_request",
		Labels:    []string{"type", "result"},
	})
	metricControlCommand = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "control_command",
		Labels:    []string{"command"},
	})
	metricTrafficCounter = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "traffic",
		Labels:    []string{"type"},
	})
	metricHeld = metric.NewGaugeVec(&metric.GaugeVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "held",
		Labels:    []string{"type"},
	})
}
