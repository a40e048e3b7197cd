package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "device_relay"

// Event types come from API clients, so bus_events_total keeps at most this
// many distinct type labels and counts the rest under otherEventType.
const (
	maxBusEventTypes = 64
	otherEventType   = "other"
)

// Metrics owns a private registry. Its Observe*/Set* methods satisfy the
// narrow hook interfaces of screenstream, bridge, recording, eventbus and the
// memory screenshot store.
type Metrics struct {
	registry           *prometheus.Registry
	FramesTotal        *prometheus.CounterVec
	StreamFallbacks    prometheus.Counter
	StreamErrorsTotal  *prometheus.CounterVec
	ActiveStreams      prometheus.Gauge
	BridgeLookupsTotal *prometheus.CounterVec
	RecordingFrames    *prometheus.CounterVec
	ActiveRecordings   prometheus.Gauge
	BusEventsTotal     *prometheus.CounterVec
	EvictionsTotal     prometheus.Counter

	busTypesMu sync.Mutex
	busTypes   map[string]struct{}
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		busTypes: make(map[string]struct{}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total screen frames delivered by backend",
		}, []string{"backend"}),
		StreamFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fallbacks_total",
			Help:      "Pipeline backends that died and were replaced by polling",
		}),
		StreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Non-fatal stream errors by backend",
		}, []string{"backend"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Devices with a live screen stream",
		}),
		BridgeLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_lookups_total",
			Help:      "Bridge resolutions by result (hit, miss, absent)",
		}, []string{"result"}),
		RecordingFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_frames_total",
			Help:      "Recording capture ticks by result (stored, skipped, busy)",
		}, []string{"result"}),
		ActiveRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recordings",
			Help:      "Recordings currently capturing",
		}),
		BusEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events emitted on the bus by type",
		}, []string{"type"}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screenshot_evictions_total",
			Help:      "Screenshots evicted from the memory store",
		}),
	}
	r.MustRegister(
		m.FramesTotal, m.StreamFallbacks, m.StreamErrorsTotal, m.ActiveStreams,
		m.BridgeLookupsTotal, m.RecordingFrames, m.ActiveRecordings,
		m.BusEventsTotal, m.EvictionsTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveFrame(backend string) {
	m.FramesTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveStreamError(backend string) {
	m.StreamErrorsTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveFallback() {
	m.StreamFallbacks.Inc()
}

func (m *Metrics) ObserveBridgeLookup(result string) {
	m.BridgeLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRecordingFrame(result string) {
	m.RecordingFrames.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveRecordings(n int) {
	m.ActiveRecordings.Set(float64(n))
}

func (m *Metrics) ObserveBusEvent(eventType string) {
	m.BusEventsTotal.WithLabelValues(m.busTypeLabel(eventType)).Inc()
}

func (m *Metrics) busTypeLabel(eventType string) string {
	m.busTypesMu.Lock()
	defer m.busTypesMu.Unlock()
	if _, ok := m.busTypes[eventType]; ok {
		return eventType
	}
	if len(m.busTypes) >= maxBusEventTypes {
		return otherEventType
	}
	m.busTypes[eventType] = struct{}{}
	return eventType
}

func (m *Metrics) ObserveScreenshotEvictions(n int) {
	m.EvictionsTotal.Add(float64(n))
}

func (m *Metrics) SetActiveStreams(n int) {
	m.ActiveStreams.Set(float64(n))
}
