// Package service hosts the connectors described by a configuration. It
// builds them through registered driver factories, connects them and exposes
// their state over HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/adapter"
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/telemetry"
	"github.com/timzifer/coupler/trigger"
)

// RecordConnector is the connector type built for configured connectors.
type RecordConnector = connector.Connector[model.Record, any, model.Record, model.Record]

type recordAdapter = adapter.ProtocolAdapter[model.Record, any, model.Record, model.Record]

// ErrUnknownConnector is returned for ids that are not part of the configuration.
var ErrUnknownConnector = errors.New("unknown connector")

// Service owns the connectors of one configuration generation.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *connector.Registry
	telemetry telemetry.Collector
	gatherer  prometheus.Gatherer
	now       func() time.Time

	connectors []*managedConnector
	byID       map[string]*managedConnector

	mu     sync.Mutex
	server *statusServer
	closed bool
}

type driver struct {
	descriptor connector.Descriptor
	factory    connector.BindingFactory[model.Record, any]
}

type factoryRegistry struct {
	drivers   map[string]driver
	telemetry telemetry.Collector
	registry  *connector.Registry
	gatherer  prometheus.Gatherer
	now       func() time.Time
}

// Option customises the service.
type Option func(*factoryRegistry)

func newFactoryRegistry() factoryRegistry {
	return factoryRegistry{
		drivers:   make(map[string]driver),
		telemetry: telemetry.Noop(),
		gatherer:  prometheus.DefaultGatherer,
		now:       time.Now,
	}
}

func applyOptions(reg factoryRegistry, opts []Option) factoryRegistry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithDriver registers or overrides the binding factory for descriptor.Driver.
// A nil factory removes the driver.
func WithDriver(descriptor connector.Descriptor, factory connector.BindingFactory[model.Record, any]) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || descriptor.Driver == "" {
			return
		}
		if reg.drivers == nil {
			reg.drivers = make(map[string]driver)
		}
		if factory == nil {
			delete(reg.drivers, descriptor.Driver)
			return
		}
		reg.drivers[descriptor.Driver] = driver{descriptor: descriptor, factory: factory}
	}
}

// WithTelemetry sets the collector handed to every connector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(reg *factoryRegistry) {
		if collector == nil {
			collector = telemetry.Noop()
		}
		reg.telemetry = collector
	}
}

// WithRegistry shares a connector registry. By default every service creates its own.
func WithRegistry(r *connector.Registry) Option {
	return func(reg *factoryRegistry) { reg.registry = r }
}

// WithGatherer selects the metrics exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(reg *factoryRegistry) {
		if g != nil {
			reg.gatherer = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(reg *factoryRegistry) {
		if now != nil {
			reg.now = now
		}
	}
}

// Drivers lists the driver names registered by opts.
func Drivers(opts ...Option) []string {
	reg := applyOptions(newFactoryRegistry(), opts)
	names := make([]string, 0, len(reg.drivers))
	for name := range reg.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds every enabled connector of cfg. Nothing is connected until Run.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	reg := applyOptions(newFactoryRegistry(), opts)
	if reg.registry == nil {
		reg.registry = connector.NewRegistry()
	}
	for _, name := range sortedDrivers(reg.drivers) {
		if _, known := reg.registry.Descriptor(reg.drivers[name].descriptor.Name); known {
			continue
		}
		if err := reg.registry.RegisterDescriptor(reg.drivers[name].descriptor); err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		registry:  reg.registry,
		telemetry: reg.telemetry,
		gatherer:  reg.gatherer,
		now:       reg.now,
		byID:      make(map[string]*managedConnector, len(cfg.Connectors)),
	}
	for _, connCfg := range cfg.Connectors {
		if connCfg.Disable {
			logger.Info().Str("connector", connCfg.ID).Msg("connector disabled")
			continue
		}
		mc, err := s.build(connCfg, reg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.connectors = append(s.connectors, mc)
		s.byID[mc.id] = mc
	}
	return s, nil
}

// Validate performs a dry run of New: every enabled connector is built and
// disposed again without connecting.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	reg := applyOptions(newFactoryRegistry(), opts)
	var errs []error
	for _, connCfg := range cfg.Connectors {
		if connCfg.Disable {
			continue
		}
		binding, err := newBinding(connCfg, reg, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		binding.Dispose()
		if _, err := connCfg.Parameters.Parameter(); err != nil {
			errs = append(errs, fmt.Errorf("connector %s: %w", connCfg.ID, err))
		}
		if _, _, err := buildAdapters(connCfg.Adapter); err != nil {
			errs = append(errs, fmt.Errorf("connector %s: %w", connCfg.ID, err))
		}
		if connCfg.Adapter.Complete != "" {
			if _, err := trigger.ExprComplete(connCfg.Adapter.Complete); err != nil {
				errs = append(errs, fmt.Errorf("connector %s: complete: %w", connCfg.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func newBinding(cfg config.ConnectorConfig, reg factoryRegistry, logger zerolog.Logger) (connector.Binding[model.Record, any], error) {
	d, ok := reg.drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("connector %s: driver %q is not registered", cfg.ID, cfg.Driver)
	}
	binding, err := d.factory(cfg, logger.With().Str("connector", cfg.ID).Str("driver", cfg.Driver).Logger())
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cfg.ID, err)
	}
	if binding == nil {
		return nil, fmt.Errorf("connector %s: driver %q returned no binding", cfg.ID, cfg.Driver)
	}
	return binding, nil
}

// buildAdapters returns one record adapter, or one per route together with an
// expression selector when routes are configured.
func buildAdapters(cfg config.AdapterConfig) (adapter.Selector[model.Record, any, model.Record, model.Record], []recordAdapter, error) {
	if len(cfg.Routes) == 0 {
		return nil, []recordAdapter{adapter.NewRecordAdapter(adapter.TypeID(cfg.Type), cfg.Fields...)}, nil
	}
	keys := make([]string, 0, len(cfg.Routes))
	for key := range cfg.Routes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	routes := make(map[string]recordAdapter, len(keys))
	adapters := make([]recordAdapter, 0, len(keys))
	for _, key := range keys {
		route := cfg.Routes[key]
		typeID := route.Type
		if typeID == "" {
			typeID = key
		}
		a := adapter.NewRecordAdapter(adapter.TypeID(typeID), route.Fields...)
		routes[key] = a
		adapters = append(adapters, a)
	}
	selector, err := adapter.NewExprSelector(cfg.Selector, cfg.Selector, routes)
	if err != nil {
		return nil, nil, err
	}
	return selector, adapters, nil
}

func sortedDrivers(drivers map[string]driver) []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run connects every connector and blocks until ctx ends. Connect failures are
// logged and left for a manual reconnect.
func (s *Service) Run(ctx context.Context) error {
	for _, mc := range s.connectors {
		if ctx.Err() != nil {
			break
		}
		if err := mc.connect(ctx); err != nil {
			mc.logger.Error().Err(err).Msg("connect failed")
		}
	}
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

// Registry returns the registry connected connectors are tracked in.
func (s *Service) Registry() *connector.Registry {
	return s.registry
}

func (s *Service) lookup(id string) (*managedConnector, error) {
	mc, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, id)
	}
	return mc, nil
}

// Connectors reports the status of every hosted connector in configuration order.
func (s *Service) Connectors() []ConnectorStatus {
	out := make([]ConnectorStatus, 0, len(s.connectors))
	for _, mc := range s.connectors {
		out = append(out, mc.status())
	}
	return out
}

func (s *Service) Connector(id string) (ConnectorStatus, error) {
	mc, err := s.lookup(id)
	if err != nil {
		return ConnectorStatus{}, err
	}
	return mc.status(), nil
}

// LastRecord returns the most recent record dispatched by connector id.
func (s *Service) LastRecord(id string) (model.Record, time.Time, bool, error) {
	mc, err := s.lookup(id)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	rec, at, ok := mc.lastRecord()
	return rec, at, ok, nil
}

// Connect (re)connects connector id.
func (s *Service) Connect(ctx context.Context, id string) error {
	mc, err := s.lookup(id)
	if err != nil {
		return err
	}
	return mc.connect(ctx)
}

func (s *Service) Disconnect(ctx context.Context, id string) error {
	mc, err := s.lookup(id)
	if err != nil {
		return err
	}
	return mc.conn.Disconnect(ctx)
}

// Trigger starts a replay job on connector id.
func (s *Service) Trigger(id string, q trigger.Query) (string, error) {
	mc, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	return mc.conn.Trigger(q)
}

// Write sends rec through connector id.
func (s *Service) Write(ctx context.Context, id string, rec model.Record) error {
	mc, err := s.lookup(id)
	if err != nil {
		return err
	}
	return mc.conn.Write(ctx, rec)
}

// EnableServer starts the HTTP status server on listen.
func (s *Service) EnableServer(listen string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service closed")
	}
	if s.server != nil {
		return errors.New("server already enabled")
	}
	if listen == "" {
		listen = DefaultListen
	}
	server, err := newStatusServer(listen, s, s.logger.With().Str("component", "http").Logger())
	if err != nil {
		return err
	}
	s.server = server
	return nil
}

// ServerAddress returns the bound address of the status server, if enabled.
func (s *Service) ServerAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ""
	}
	return s.server.addr()
}

// Close stops the status server and disposes every connector. Pending
// writes of batching bindings are flushed by their Dispose.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server != nil {
		server.close()
	}
	var wg sync.WaitGroup
	for _, mc := range s.connectors {
		wg.Add(1)
		go func(mc *managedConnector) {
			defer wg.Done()
			mc.conn.Dispose()
		}(mc)
	}
	wg.Wait()
	return nil
}
