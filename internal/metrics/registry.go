// Package metrics provides Prometheus metrics for the acquisition gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Registry holds all Prometheus metrics for the service.
// Every Registry owns its own prometheus.Registry, so several instances
// (one per test, for example) never collide on registration.
type Registry struct {
	reg *prometheus.Registry

	// Sampler metrics
	TicksTotal      prometheus.Counter
	TickNumber      prometheus.Gauge
	RefreshesTotal  *prometheus.CounterVec
	RefreshSkipped  *prometheus.CounterVec // Busy-link drops
	RefreshDuration *prometheus.HistogramVec
	RefreshErrors   *prometheus.CounterVec
	ValuesRead      prometheus.Counter
	LinksBusy       prometheus.Gauge

	// Link metrics
	LinkConnects       *prometheus.CounterVec
	LinkConnectLatency prometheus.Histogram
	LinkRequests       *prometheus.CounterVec
	LinkRequestLatency *prometheus.HistogramVec
	LinkTimeouts       *prometheus.CounterVec

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesConnected  prometheus.Gauge
	VariableWrites    *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter
	CommandsTotal         *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,

		// Sampler metrics
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "ticks_total",
			Help:      "Total number of sampler ticks dispatched",
		}),
		TickNumber: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "tick_number",
			Help:      "Current sampler tick number",
		}),
		RefreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "refreshes_total",
			Help:      "Total number of device refreshes",
		}, []string{"device_id", "status"}),
		RefreshSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "refreshes_skipped_total",
			Help:      "Refreshes dropped because the device's link was still busy",
		}, []string{"device_id"}),
		RefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "refresh_duration_seconds",
			Help:      "Device refresh duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device_id"}),
		RefreshErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "errors_total",
			Help:      "Total number of refresh errors by kind",
		}, []string{"device_id", "error_type"}),
		ValuesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "values_read_total",
			Help:      "Total number of variable values decoded",
		}),
		LinksBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "links_busy",
			Help:      "Number of links with a refresh in flight",
		}),

		// Link metrics
		LinkConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connects_total",
			Help:      "Total number of Modbus TCP connect attempts",
		}, []string{"status"}),
		LinkConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connect_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		LinkRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "requests_total",
			Help:      "Total number of Modbus requests by function and status",
		}, []string{"function", "status"}),
		LinkRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "request_latency_seconds",
			Help:      "Modbus request round-trip latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"function"}),
		LinkTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "timeouts_total",
			Help:      "Total number of connect, read and write timeouts",
		}, []string{"operation"}),

		// Device metrics
		DevicesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of devices registered with the sampler",
		}),
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Number of devices with an open link",
		}),
		VariableWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "writes_total",
			Help:      "Total number of variable writes",
		}, []string{"device_id", "status"}),

		// MQTT metrics
		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "commands_total",
			Help:      "Total number of write commands received by outcome",
		}, []string{"status"}),
	}

	return r
}

// Handler returns the HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordTick records a dispatched sampler tick.
func (r *Registry) RecordTick(tick uint64) {
	r.TicksTotal.Inc()
	r.TickNumber.Set(float64(tick))
}

// RecordRefreshSuccess records a successful device refresh.
func (r *Registry) RecordRefreshSuccess(deviceID string, duration float64, valuesRead int) {
	r.RefreshesTotal.WithLabelValues(deviceID, "success").Inc()
	r.RefreshDuration.WithLabelValues(deviceID).Observe(duration)
	r.ValuesRead.Add(float64(valuesRead))
}

// RecordRefreshError records a failed device refresh.
func (r *Registry) RecordRefreshError(deviceID string, errorType string) {
	r.RefreshesTotal.WithLabelValues(deviceID, "error").Inc()
	r.RefreshErrors.WithLabelValues(deviceID, errorType).Inc()
}

// RecordRefreshSkipped records a refresh dropped because the link was busy.
func (r *Registry) RecordRefreshSkipped(deviceID string) {
	r.RefreshSkipped.WithLabelValues(deviceID).Inc()
}

// UpdateLinksBusy updates the busy link gauge.
func (r *Registry) UpdateLinksBusy(count int) {
	r.LinksBusy.Set(float64(count))
}

// RecordConnect records a connect attempt.
func (r *Registry) RecordConnect(success bool, latency float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.LinkConnects.WithLabelValues(status).Inc()
	r.LinkConnectLatency.Observe(latency)
}

// RecordRequest records one wire request.
func (r *Registry) RecordRequest(function string, success bool, latency float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.LinkRequests.WithLabelValues(function, status).Inc()
	r.LinkRequestLatency.WithLabelValues(function).Observe(latency)
}

// RecordTimeout records a connect, read or write timeout.
func (r *Registry) RecordTimeout(operation string) {
	r.LinkTimeouts.WithLabelValues(operation).Inc()
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(registered, connected int) {
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesConnected.Set(float64(connected))
}

// RecordWrite records a variable write.
func (r *Registry) RecordWrite(deviceID string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.VariableWrites.WithLabelValues(deviceID, status).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect records an MQTT reconnection.
func (r *Registry) RecordMQTTReconnect() {
	r.MQTTReconnects.Inc()
}

// RecordCommand records the outcome of a write command.
func (r *Registry) RecordCommand(status string) {
	r.CommandsTotal.WithLabelValues(status).Inc()
}
