package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/adapter"
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// ConnectorStatus is the externally visible state of a hosted connector.
type ConnectorStatus struct {
	ID          string                 `json:"id"`
	Driver      string                 `json:"driver"`
	State       string                 `json:"state"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Events      bool                   `json:"events"`
	Queries     []trigger.Kind         `json:"queries,omitempty"`
	Types       []adapter.TypeID       `json:"types"`
	Received    uint64                 `json:"received"`
	LastRecord  *time.Time             `json:"last_record,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	LastErrorAt *time.Time             `json:"last_error_at,omitempty"`
	Source      config.ModuleReference `json:"source,omitempty"`
}

type managedConnector struct {
	id     string
	cfg    config.ConnectorConfig
	params config.Parameter
	conn   *RecordConnector
	types  []adapter.TypeID
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	last        model.Record
	lastAt      time.Time
	received    uint64
	lastError   string
	lastErrorAt time.Time
}

func (s *Service) build(cfg config.ConnectorConfig, reg factoryRegistry) (*managedConnector, error) {
	params, err := cfg.Parameters.Parameter()
	if err != nil {
		return nil, wrapConnector(cfg.ID, err)
	}
	selector, adapters, err := buildAdapters(cfg.Adapter)
	if err != nil {
		return nil, wrapConnector(cfg.ID, err)
	}
	binding, err := newBinding(cfg, reg, s.logger)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With().Str("connector", cfg.ID).Logger()
	mc := &managedConnector{
		id:     cfg.ID,
		cfg:    cfg,
		params: params,
		logger: logger,
		now:    s.now,
	}
	opts := []connector.Option{
		connector.WithID(cfg.ID),
		connector.WithLogger(logger),
		connector.WithTelemetry(s.telemetry),
		connector.WithRegistry(s.registry),
		connector.WithErrorHandler(mc.onError),
	}
	if cfg.Adapter.Complete != "" {
		complete, err := trigger.ExprComplete(cfg.Adapter.Complete)
		if err != nil {
			binding.Dispose()
			return nil, wrapConnector(cfg.ID, err)
		}
		opts = append(opts, connector.WithRecordComplete(complete))
	}
	conn, err := connector.New[model.Record, any, model.Record, model.Record](binding, selector, adapters, opts...)
	if err != nil {
		binding.Dispose()
		return nil, wrapConnector(cfg.ID, err)
	}
	mc.conn = conn

	seen := make(map[adapter.TypeID]struct{}, len(adapters))
	for _, a := range adapters {
		if _, dup := seen[a.OutputType()]; dup {
			continue
		}
		seen[a.OutputType()] = struct{}{}
		mc.types = append(mc.types, a.OutputType())
		conn.SetReceptionCallback(connector.Callback[model.Record]{Type: a.OutputType(), Handle: mc.record})
	}
	return mc, nil
}

func wrapConnector(id string, err error) error {
	return fmt.Errorf("connector %s: %w", id, err)
}

// connect bounds ctx by the parameter request timeout.
func (m *managedConnector) connect(ctx context.Context) error {
	timeout := m.params.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.conn.Connect(ctx, m.params)
}

func (m *managedConnector) record(rec model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = rec
	m.lastAt = m.now()
	m.received++
}

func (m *managedConnector) onError(message string, err error) {
	m.logger.Warn().Err(err).Msg(message)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = message
	if err != nil {
		m.lastError = message + ": " + err.Error()
	}
	m.lastErrorAt = m.now()
}

func (m *managedConnector) lastRecord() (model.Record, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil, time.Time{}, false
	}
	return m.last.Clone(), m.lastAt, true
}

func (m *managedConnector) status() ConnectorStatus {
	d := m.conn.Descriptor()
	st := ConnectorStatus{
		ID:       m.id,
		Driver:   m.cfg.Driver,
		State:    m.conn.State().String(),
		Endpoint: m.params.URL(),
		Events:   d.Capabilities.Events,
		Queries:  append([]trigger.Kind(nil), d.Queries...),
		Types:    append([]adapter.TypeID(nil), m.types...),
		Source:   m.cfg.Source,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Received = m.received
	st.LastError = m.lastError
	if !m.lastAt.IsZero() {
		at := m.lastAt
		st.LastRecord = &at
	}
	if !m.lastErrorAt.IsZero() {
		at := m.lastErrorAt
		st.LastErrorAt = &at
	}
	return st
}
