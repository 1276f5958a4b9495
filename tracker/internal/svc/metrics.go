package svc

import "github.com/zeromicro/go-zero/core/metric"

const (
	metricsNamespace = "swarmcast"
	metricsSubsystem = "tracker"
)

var (
	metricTrackerRequest metric.CounterVec
	metricReaped         metric.CounterVec
	metricRegistrySize   metric.GaugeVec
)

func init() {
	metricTrackerRequest = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "request",
		Labels:    []string{"type"},
	})
	metricReaped = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "reaped",
		Labels:    []string{"type"},
	})
	metricRegistrySize = metric.NewGaugeVec(&metric.GaugeVecOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "registry_size",
		Labels:    []string{"type"},
	})
}
