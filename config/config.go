package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ModuleReference captures metadata about the configuration source that defined an entry.
type ModuleReference struct {
	File string `json:"file,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig configures the optional HTTP status surface.
type ServerConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// IdentityConfig describes one identity token in YAML form.
type IdentityConfig struct {
	Type     TokenType `yaml:"type"`
	Username string    `yaml:"username,omitempty"`
	Password string    `yaml:"password,omitempty"`
	Token    string    `yaml:"token,omitempty"`
	// TokenEnv names an environment variable holding the password or token.
	TokenEnv  string `yaml:"token_env,omitempty"`
	Algorithm string `yaml:"algorithm,omitempty"`
}

// ParameterConfig is the YAML representation of a connection Parameter.
type ParameterConfig struct {
	Schema                 Schema                    `yaml:"schema,omitempty"`
	Host                   string                    `yaml:"host"`
	Port                   int                       `yaml:"port,omitempty"`
	EndpointPath           string                    `yaml:"endpoint_path,omitempty"`
	ApplicationID          string                    `yaml:"application_id,omitempty"`
	ApplicationDescription string                    `yaml:"application_description,omitempty"`
	AutoApplicationID      bool                      `yaml:"auto_application_id,omitempty"`
	RequestTimeout         Duration                  `yaml:"request_timeout,omitempty"`
	NotificationInterval   *Duration                 `yaml:"notification_interval,omitempty"`
	KeepAlive              Duration                  `yaml:"keep_alive,omitempty"`
	Identity               *IdentityConfig           `yaml:"identity,omitempty"`
	Identities             map[string]IdentityConfig `yaml:"identities,omitempty"`
	Settings               map[string]interface{}    `yaml:"settings,omitempty"`
}

// RouteConfig binds a discriminator value to a set of record fields.
type RouteConfig struct {
	Type   string   `yaml:"type"`
	Fields []string `yaml:"fields,omitempty"`
}

// AdapterConfig configures the record adapters of a config driven connector.
type AdapterConfig struct {
	Type   string   `yaml:"type,omitempty"`
	Fields []string `yaml:"fields,omitempty"`
	// Selector is an expression evaluated against the raw record that yields a route name.
	Selector string                 `yaml:"selector,omitempty"`
	Routes   map[string]RouteConfig `yaml:"routes,omitempty"`
	// Complete is an expression deciding whether a replayed record is complete.
	Complete string `yaml:"complete,omitempty"`
}

// ConnectorConfig describes one connector instance managed by the processor.
type ConnectorConfig struct {
	ID             string          `yaml:"id"`
	Driver         string          `yaml:"driver"`
	Disable        bool            `yaml:"disable,omitempty"`
	Parameters     ParameterConfig `yaml:"parameters"`
	Adapter        AdapterConfig   `yaml:"adapter,omitempty"`
	DriverSettings *yaml.Node      `yaml:"driver_settings,omitempty"`
	Source         ModuleReference `yaml:"-"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Server      ServerConfig      `yaml:"server"`
	HotReload   bool              `yaml:"hot_reload,omitempty"`
	Include     []string          `yaml:"include,omitempty"`
	Connectors  []ConnectorConfig `yaml:"connectors"`
	Source      ModuleReference   `yaml:"-"`
}

// Load reads and decodes the configuration file from disk, following includes.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := loadFile(abs, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}
	if err := validateDocument(root); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.setSource(ModuleReference{File: path})

	includes := cfg.Include
	cfg.Include = nil
	baseDir := filepath.Dir(path)
	for _, include := range includes {
		include = strings.TrimSpace(include)
		if include == "" {
			continue
		}
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, include)
		}
		child, err := loadFile(includePath, visited)
		if err != nil {
			return nil, fmt.Errorf("load include %s: %w", include, err)
		}
		mergeConfig(&cfg, child)
	}
	return &cfg, nil
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	for idx, r := range trimmed {
		if idx == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("%s %q must not start with a digit", kind, trimmed)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}

// mergeConfig folds an included document into its parent. Scalars of the parent win.
func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if dst.Logging.Level == "" {
		dst.Logging.Level = src.Logging.Level
	}
	if dst.Logging.Format == "" {
		dst.Logging.Format = src.Logging.Format
	}
	if !dst.Logging.Loki.Enabled && src.Logging.Loki.Enabled {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled {
		dst.Telemetry.Enabled = true
	}
	if dst.Server.Listen == "" {
		dst.Server.Listen = src.Server.Listen
	}
	if src.HotReload {
		dst.HotReload = true
	}
	dst.Connectors = append(dst.Connectors, src.Connectors...)
}

func (c *Config) setSource(meta ModuleReference) {
	if c == nil {
		return
	}
	c.Source = meta
	for i := range c.Connectors {
		if c.Connectors[i].Source.File == "" {
			c.Connectors[i].Source = meta
		}
	}
}

// Connector returns the connector configuration with the given id.
func (c *Config) Connector(id string) (ConnectorConfig, bool) {
	if c == nil {
		return ConnectorConfig{}, false
	}
	for _, conn := range c.Connectors {
		if conn.ID == id {
			return conn, true
		}
	}
	return ConnectorConfig{}, false
}
