package processor

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/service"
	"github.com/timzifer/coupler/telemetry"
)

// WithLogger provides a custom logger instance for the processor. The logging
// section of the configuration is ignored in that case.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithDriver registers the binding factory for a driver.
func WithDriver(descriptor connector.Descriptor, factory connector.BindingFactory[model.Record, any]) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.serviceOptions = append(cfg.serviceOptions, service.WithDriver(descriptor, factory))
		return nil
	}
}

// WithServiceOptions passes additional options to every service generation.
func WithServiceOptions(opts ...service.Option) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.serviceOptions = append(cfg.serviceOptions, opts...)
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithListenAddress enables the HTTP server regardless of the server section
// of the configuration.
func WithListenAddress(listen string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.listen = strings.TrimSpace(listen)
		if cfg.listen == "" {
			cfg.listen = service.DefaultListen
		}
		return nil
	}
}

// WithLogLevel overrides the level of the logging section for every
// configuration generation.
func WithLogLevel(level string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logLevel = strings.TrimSpace(level)
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}
