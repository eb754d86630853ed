// Package processor runs the connector service of a configuration and
// replaces it when the configuration changes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/internal/logging"
	"github.com/timzifer/coupler/internal/reload"
	"github.com/timzifer/coupler/service"
	"github.com/timzifer/coupler/telemetry"
)

// ReloadFunc re-reads the configuration and applies it.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	serviceOptions    []service.Option
	listen            string
	logLevel          string
}

// Processor hosts one generation of connectors at a time. A reload whose
// configuration adds, removes or alters a connector, or changes the process
// settings, replaces the generation. A reload that changes nothing keeps the
// running connectors and their sessions.
type Processor struct {
	mu sync.Mutex

	configPath     string
	collector      telemetry.Collector
	serviceOptions []service.Option
	customLogger   bool
	baseLogger     zerolog.Logger
	listen         string
	logLevel       string

	watcher       *reload.Watcher
	watchInterval time.Duration
	requests      chan chan error

	current *generation
	running bool
}

// generation is a service built from one configuration together with the
// logger it writes to.
type generation struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	srv     *service.Service
}

// New loads the configuration unless one is supplied and builds the first
// generation. Connectors are not connected before Run.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&s); err != nil {
			return nil, err
		}
	}

	if s.config == nil {
		if s.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(s.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		s.config = loaded
	}

	if !s.telemetryProvided {
		collector, err := newTelemetryCollector(s.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			collector = telemetry.Noop()
		}
		s.telemetry = collector
	}

	p := &Processor{
		configPath:     s.configPath,
		collector:      s.telemetry,
		serviceOptions: append([]service.Option{service.WithTelemetry(s.telemetry)}, s.serviceOptions...),
		customLogger:   s.customLogger,
		baseLogger:     s.logger,
		listen:         s.listen,
		logLevel:       s.logLevel,
		watchInterval:  time.Second,
	}

	gen, err := p.build(s.config)
	if err != nil {
		return nil, err
	}
	p.current = gen
	p.watch(s.config)
	if s.configPath != "" {
		p.requests = make(chan chan error)
	}
	if s.registerReload != nil {
		s.registerReload(p.Reload)
	}
	return p, nil
}

// Service returns the service of the current generation.
func (p *Processor) Service() *service.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.srv
}

// Run connects the current generation and serves it until ctx ends or the
// service fails. Configuration changes are applied in between.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return errors.New("processor not initialized")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	gen := p.current
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.current = nil
		p.mu.Unlock()
	}()

	for {
		next, err := p.serve(ctx, gen)
		if next == nil {
			return err
		}
		gen = next
	}
}

// serve runs gen until it stops or is replaced. It returns the replacing
// generation, or nil with the reason gen stopped.
func (p *Processor) serve(ctx context.Context, gen *generation) (*generation, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- gen.srv.Run(runCtx) }()

	p.mu.Lock()
	watcher := p.watcher
	p.mu.Unlock()
	var ticks <-chan time.Time
	if watcher != nil {
		ticker := time.NewTicker(p.watchInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	// halt stops gen and releases it.
	halt := func() error {
		cancel()
		err := <-stopped
		gen.close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if err := halt(); err != nil {
				return nil, err
			}
			return nil, ctx.Err()

		case err := <-stopped:
			gen.close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err

		case done := <-p.requests:
			cfg, plan, err := p.prepare(gen)
			if err != nil || plan.Empty() {
				done <- err
				continue
			}
			next, err := p.replace(gen, halt, cfg, plan)
			done <- err
			return next, err

		case <-ticks:
			change := watcher.Check()
			if change.Empty() {
				continue
			}
			gen.logger.Info().
				Strs("files", change.Files).
				Strs("connectors", change.Connectors).
				Bool("root", change.Root).
				Msg("configuration changed")
			cfg, plan, err := p.prepare(gen)
			if err != nil || plan.Empty() {
				// Snapshot the edit so it is not reported on every tick.
				watcher.Update(p.configPath, gen.cfg)
				continue
			}
			next, err := p.replace(gen, halt, cfg, plan)
			if err != nil {
				return nil, err
			}
			for _, file := range change.Files {
				p.collector.IncHotReload(file)
			}
			return next, nil
		}
	}
}

// prepare loads and validates the configuration on disk and compares it
// with the one gen runs.
func (p *Processor) prepare(gen *generation) (*config.Config, reload.Plan, error) {
	cfg, err := p.loadConfig()
	if err == nil {
		err = service.Validate(cfg, gen.logger, p.serviceOptions...)
	}
	if err != nil {
		gen.logger.Error().Err(err).Msg("reloaded configuration invalid")
		return nil, reload.Plan{}, err
	}
	plan := reload.Diff(gen.cfg, cfg)
	if plan.Empty() {
		gen.logger.Debug().Msg("configuration unchanged")
	}
	return cfg, plan, nil
}

// replace stops gen through halt and builds the generation for cfg.
func (p *Processor) replace(gen *generation, halt func() error, cfg *config.Config, plan reload.Plan) (*generation, error) {
	if err := halt(); err != nil {
		gen.logger.Error().Err(err).Msg("service stopped during reload")
	}
	next, err := p.build(cfg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.current = next
	p.mu.Unlock()
	p.watch(cfg)
	logPlan(next.logger, plan, len(cfg.Connectors))
	return next, nil
}

// Reload applies the configuration on disk. While Run is active the request
// is handed to the serving loop.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	gen := p.current
	p.mu.Unlock()

	if !running {
		if gen == nil {
			return errors.New("processor closed")
		}
		cfg, plan, err := p.prepare(gen)
		if err != nil || plan.Empty() {
			return err
		}
		return p.swap(cfg, plan)
	}

	if p.requests == nil {
		return errors.New("reload not supported without configuration path")
	}
	done := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.requests <- done:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Close releases the current generation.
func (p *Processor) Close() {
	p.mu.Lock()
	gen := p.current
	p.current = nil
	p.mu.Unlock()

	if gen != nil {
		gen.close()
	}
}

func (g *generation) close() {
	if err := g.srv.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("close service")
	}
	g.cleanup()
}

// swap replaces the idle generation. The old service is closed first so its
// listener and backend sessions are released before the new one starts.
func (p *Processor) swap(cfg *config.Config, plan reload.Plan) error {
	p.Close()
	next, err := p.build(cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = next
	p.mu.Unlock()
	p.watch(cfg)
	logPlan(next.logger, plan, len(cfg.Connectors))
	return nil
}

func (p *Processor) build(cfg *config.Config) (*generation, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	gen := &generation{cfg: cfg, logger: p.baseLogger, cleanup: func() {}}
	if !p.customLogger {
		logCfg := cfg.Logging
		if p.logLevel != "" {
			logCfg.Level = p.logLevel
		}
		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return nil, err
		}
		gen.logger = logger
		gen.cleanup = cleanup
		log.Logger = logger
	}

	srv, err := service.New(cfg, gen.logger, p.serviceOptions...)
	if err != nil {
		gen.cleanup()
		return nil, err
	}
	gen.srv = srv

	listen := p.listen
	if listen == "" {
		listen = cfg.Server.Listen
	}
	if listen != "" {
		if err := srv.EnableServer(listen); err != nil {
			gen.close()
			return nil, err
		}
	}
	return gen, nil
}

func (p *Processor) loadConfig() (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	return config.Load(p.configPath)
}

// watch snapshots the files of cfg when hot reload is enabled and drops the
// watcher otherwise.
func (p *Processor) watch(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.configPath == "" || !cfg.HotReload:
		p.watcher = nil
	case p.watcher == nil:
		p.watcher = reload.NewWatcher(p.configPath, cfg)
	default:
		p.watcher.Update(p.configPath, cfg)
	}
}

func logPlan(logger zerolog.Logger, plan reload.Plan, connectors int) {
	logger.Info().
		Strs("added", plan.Added).
		Strs("removed", plan.Removed).
		Strs("changed", plan.Changed).
		Bool("settings", plan.Settings).
		Int("connectors", connectors).
		Msg("configuration reloaded")
}
