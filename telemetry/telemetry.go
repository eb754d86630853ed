package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by connectors and the host.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with poll ticks and writes.
type Collector interface {
	IncHotReload(file string)
	IncPollTick(connector string)
	IncAcquisitionError(connector, kind string)
	IncDispatched(connector, typeID string, callbacks int)
	IncWrite(connector, result string)
	IncReplayJob(connector, phase string)
	SetConnectorState(connector, state string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                {}
func (noopCollector) IncPollTick(string)                 {}
func (noopCollector) IncAcquisitionError(string, string) {}
func (noopCollector) IncDispatched(string, string, int)  {}
func (noopCollector) IncWrite(string, string)            {}
func (noopCollector) IncReplayJob(string, string)        {}
func (noopCollector) SetConnectorState(string, string)   {}

// States lists the values SetConnectorState accepts as label.
var States = []string{"created", "connecting", "connected", "disconnected", "disposed"}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads   *prometheus.CounterVec
	pollTicks    *prometheus.CounterVec
	errors       *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	writes       *prometheus.CounterVec
	replayJobs   *prometheus.CounterVec
	connectorSet *prometheus.GaugeVec
}

// register adds c to reg, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) (*prometheus.CounterVec, error) {
		return register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coupler",
			Name:      name,
			Help:      help,
		}, labels))
	}

	var (
		p   PrometheusCollector
		err error
	)
	if p.hotReloads, err = counter("config_hot_reload_total", "Number of hot reload operations triggered per configuration source file.", "file"); err != nil {
		return nil, err
	}
	if p.pollTicks, err = counter("poll_ticks_total", "Number of poll cycles executed per connector.", "connector"); err != nil {
		return nil, err
	}
	if p.errors, err = counter("acquisition_errors_total", "Number of failed acquisitions per connector and failure kind.", "connector", "kind"); err != nil {
		return nil, err
	}
	if p.dispatched, err = counter("records_dispatched_total", "Number of translated values dispatched per connector and type.", "connector", "type"); err != nil {
		return nil, err
	}
	if p.deliveries, err = counter("callback_deliveries_total", "Number of callback invocations per connector and type.", "connector", "type"); err != nil {
		return nil, err
	}
	if p.writes, err = counter("writes_total", "Number of writes per connector and result.", "connector", "result"); err != nil {
		return nil, err
	}
	if p.replayJobs, err = counter("replay_jobs_total", "Number of trigger replay jobs per connector and phase.", "connector", "phase"); err != nil {
		return nil, err
	}
	p.connectorSet, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coupler",
		Name:      "connector_state",
		Help:      "Current lifecycle state of a connector (1 for the active state).",
	}, []string{"connector", "state"}))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

func (p *PrometheusCollector) IncPollTick(connector string) {
	if p == nil || p.pollTicks == nil {
		return
	}
	p.pollTicks.WithLabelValues(connector).Inc()
}

func (p *PrometheusCollector) IncAcquisitionError(connector, kind string) {
	if p == nil || p.errors == nil {
		return
	}
	p.errors.WithLabelValues(connector, kind).Inc()
}

// IncDispatched counts one translated value and the callbacks that received it.
func (p *PrometheusCollector) IncDispatched(connector, typeID string, callbacks int) {
	if p == nil || p.dispatched == nil {
		return
	}
	p.dispatched.WithLabelValues(connector, typeID).Inc()
	if callbacks > 0 {
		p.deliveries.WithLabelValues(connector, typeID).Add(float64(callbacks))
	}
}

func (p *PrometheusCollector) IncWrite(connector, result string) {
	if p == nil || p.writes == nil {
		return
	}
	p.writes.WithLabelValues(connector, result).Inc()
}

func (p *PrometheusCollector) IncReplayJob(connector, phase string) {
	if p == nil || p.replayJobs == nil {
		return
	}
	p.replayJobs.WithLabelValues(connector, phase).Inc()
}

// SetConnectorState marks state as the active one for connector.
func (p *PrometheusCollector) SetConnectorState(connector, state string) {
	if p == nil || p.connectorSet == nil {
		return
	}
	for _, s := range States {
		value := 0.0
		if s == state {
			value = 1
		}
		p.connectorSet.WithLabelValues(connector, s).Set(value)
	}
}
