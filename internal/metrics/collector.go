// Package hidiometrics exposes Prometheus metrics for the HID-IO
// protocol core and the per-device engines driving it.
package hidiometrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "hidio"
	subsystem = "protocol"
)

// Label names for protocol metrics.
const (
	labelDevice    = "device"
	labelPtype     = "ptype"
	labelDirection = "direction"
)

// -------------------------------------------------------------------------
// Collector — Prometheus HID-IO Metrics
// -------------------------------------------------------------------------

// Collector holds all HID-IO Prometheus metrics.
//
// Metrics are designed for monitoring a host daemon serving several
// devices at once:
//   - Chunk counters track transport-level volume and drops per device.
//   - Message counters track reassembled logical messages by packet type.
//   - Nak counters flag protocol disagreements for alerting.
//   - Queue depth gauges surface backpressure between transport and codec.
type Collector struct {
	// ChunksReceived counts transport chunks dequeued from the rx queue.
	ChunksReceived *prometheus.CounterVec

	// ChunksDropped counts malformed or overflowed chunks dropped by the
	// codec or the engine.
	ChunksDropped *prometheus.CounterVec

	// DecodeErrors counts chunk decode failures.
	DecodeErrors *prometheus.CounterVec

	// MessagesCompleted counts fully reassembled inbound messages, labeled
	// by packet type.
	MessagesCompleted *prometheus.CounterVec

	// PacketsSent counts outbound logical packets, labeled by packet type.
	PacketsSent *prometheus.CounterVec

	// NaksSent counts outbound negative acknowledgements.
	NaksSent *prometheus.CounterVec

	// QueueDepth tracks the current byte queue depth per device and
	// direction ("rx" / "tx").
	QueueDepth *prometheus.GaugeVec

	// DevicesConnected tracks the number of device engines currently
	// running.
	DevicesConnected prometheus.Gauge
}

// NewCollector creates a Collector with all HID-IO metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "hidio_protocol_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ChunksReceived,
		c.ChunksDropped,
		c.DecodeErrors,
		c.MessagesCompleted,
		c.PacketsSent,
		c.NaksSent,
		c.QueueDepth,
		c.DevicesConnected,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	deviceLabels := []string{labelDevice}
	ptypeLabels := []string{labelDevice, labelPtype}
	queueLabels := []string{labelDevice, labelDirection}

	return &Collector{
		ChunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_received_total",
			Help:      "Total transport chunks dequeued from the rx byte queue.",
		}, deviceLabels),

		ChunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_dropped_total",
			Help:      "Total malformed or overflowed transport chunks dropped.",
		}, deviceLabels),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Total chunk decode failures.",
		}, deviceLabels),

		MessagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_completed_total",
			Help:      "Total fully reassembled inbound messages by packet type.",
		}, ptypeLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total outbound logical packets by packet type.",
		}, ptypeLabels),

		NaksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "naks_sent_total",
			Help:      "Total outbound negative acknowledgements.",
		}, deviceLabels),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current byte queue depth in chunks per direction.",
		}, queueLabels),

		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "devices_connected",
			Help:      "Number of device engines currently running.",
		}),
	}
}

// -------------------------------------------------------------------------
// Device Lifecycle
// -------------------------------------------------------------------------

// RegisterDevice increments the connected devices gauge.
// Called when a device engine starts.
func (c *Collector) RegisterDevice() {
	c.DevicesConnected.Inc()
}

// UnregisterDevice decrements the connected devices gauge.
// Called when a device engine stops.
func (c *Collector) UnregisterDevice() {
	c.DevicesConnected.Dec()
}

// SetQueueDepth records the current depth of a device's byte queue.
func (c *Collector) SetQueueDepth(device, direction string, depth int) {
	c.QueueDepth.WithLabelValues(device, direction).Set(float64(depth))
}

// -------------------------------------------------------------------------
// DeviceReporter — per-device MetricsReporter
// -------------------------------------------------------------------------

// DeviceReporter binds a Collector to one device label. It implements
// hidio.MetricsReporter so a dispatcher can report protocol events
// without knowing about Prometheus.
type DeviceReporter struct {
	c      *Collector
	device string
}

// ForDevice returns a DeviceReporter feeding this collector under the
// given device label.
func (c *Collector) ForDevice(device string) *DeviceReporter {
	return &DeviceReporter{c: c, device: device}
}

// IncChunksReceived counts one chunk dequeued from the rx queue.
func (r *DeviceReporter) IncChunksReceived() {
	r.c.ChunksReceived.WithLabelValues(r.device).Inc()
}

// IncChunksDropped counts one malformed or overflowed chunk dropped.
func (r *DeviceReporter) IncChunksDropped() {
	r.c.ChunksDropped.WithLabelValues(r.device).Inc()
}

// IncDecodeErrors counts one chunk decode failure.
func (r *DeviceReporter) IncDecodeErrors() {
	r.c.DecodeErrors.WithLabelValues(r.device).Inc()
}

// IncMessagesCompleted counts one fully reassembled inbound message.
func (r *DeviceReporter) IncMessagesCompleted(ptype string) {
	r.c.MessagesCompleted.WithLabelValues(r.device, ptype).Inc()
}

// IncPacketsSent counts one outbound logical packet.
func (r *DeviceReporter) IncPacketsSent(ptype string) {
	r.c.PacketsSent.WithLabelValues(r.device, ptype).Inc()
}

// IncNaksSent counts one outbound negative acknowledgement.
func (r *DeviceReporter) IncNaksSent() {
	r.c.NaksSent.WithLabelValues(r.device).Inc()
}
