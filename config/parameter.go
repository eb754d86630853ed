package config

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schema selects the transport of a connection URL.
type Schema string

const (
	SchemaTCP    Schema = "tcp"
	SchemaSSL    Schema = "ssl"
	SchemaHTTP   Schema = "http"
	SchemaHTTPS  Schema = "https"
	SchemaWS     Schema = "ws"
	SchemaWSS    Schema = "wss"
	SchemaIgnore Schema = "ignore"
)

// AnyEndpoint keys the identity token used when no endpoint specific token exists.
const AnyEndpoint = ""

const (
	DefaultRequestTimeout       = 5 * time.Second
	DefaultNotificationInterval = time.Second
	DefaultKeepAlive            = 2 * time.Second
)

// Parameter carries everything needed to open one backend connection.
// Values are immutable after construction.
type Parameter struct {
	Schema                 Schema
	Host                   string
	Port                   int
	EndpointPath           string
	ApplicationID          string
	ApplicationDescription string
	AutoApplicationID      bool
	RequestTimeout         time.Duration
	// NotificationInterval is the poll period. Zero or less disables polling.
	NotificationInterval time.Duration
	KeepAlive            time.Duration

	identities map[string]IdentityToken
	specific   map[string]interface{}
}

// ParameterOption customises a Parameter during construction.
type ParameterOption func(*Parameter)

// NewParameter builds a Parameter with the default timeouts applied.
func NewParameter(host string, port int, opts ...ParameterOption) Parameter {
	p := Parameter{
		Schema:               SchemaTCP,
		Host:                 host,
		Port:                 port,
		RequestTimeout:       DefaultRequestTimeout,
		NotificationInterval: DefaultNotificationInterval,
		KeepAlive:            DefaultKeepAlive,
		identities:           make(map[string]IdentityToken),
		specific:             make(map[string]interface{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	if p.AutoApplicationID && p.ApplicationID == "" {
		p.ApplicationID = "coupler-" + uuid.NewString()
	}
	return p
}

func WithSchema(schema Schema) ParameterOption {
	return func(p *Parameter) { p.Schema = schema }
}

func WithEndpointPath(path string) ParameterOption {
	return func(p *Parameter) { p.EndpointPath = path }
}

// WithApplicationInformation sets the identifier and description announced to the backend.
func WithApplicationInformation(id, description string) ParameterOption {
	return func(p *Parameter) {
		p.ApplicationID = id
		p.ApplicationDescription = description
	}
}

// WithAutoApplicationID generates a unique application id when none is configured.
func WithAutoApplicationID(enabled bool) ParameterOption {
	return func(p *Parameter) { p.AutoApplicationID = enabled }
}

func WithRequestTimeout(d time.Duration) ParameterOption {
	return func(p *Parameter) { p.RequestTimeout = d }
}

func WithNotificationInterval(d time.Duration) ParameterOption {
	return func(p *Parameter) { p.NotificationInterval = d }
}

func WithKeepAlive(d time.Duration) ParameterOption {
	return func(p *Parameter) { p.KeepAlive = d }
}

// WithIdentity registers a token for an endpoint. Use AnyEndpoint for the fallback.
func WithIdentity(endpoint string, token IdentityToken) ParameterOption {
	return func(p *Parameter) { p.identities[endpoint] = token }
}

// WithSpecificSetting stores a backend specific value.
func WithSpecificSetting(key string, value interface{}) ParameterOption {
	return func(p *Parameter) { p.specific[key] = value }
}

// IdentityToken returns the token configured for endpoint, falling back to AnyEndpoint.
func (p Parameter) IdentityToken(endpoint string) (IdentityToken, bool) {
	if tok, ok := p.identities[endpoint]; ok {
		return tok, true
	}
	tok, ok := p.identities[AnyEndpoint]
	return tok, ok
}

// IsAnonymousIdentity reports whether no usable token exists for the fallback endpoint.
func (p Parameter) IsAnonymousIdentity() bool {
	tok, ok := p.IdentityToken(AnyEndpoint)
	return !ok || tok.Type == TokenNone
}

// SpecificSettings returns a copy of all backend specific settings.
func (p Parameter) SpecificSettings() map[string]interface{} {
	out := make(map[string]interface{}, len(p.specific))
	for k, v := range p.specific {
		out[k] = v
	}
	return out
}

// SpecificString returns a specific setting rendered as string.
func (p Parameter) SpecificString(key string) (string, bool) {
	value, ok := p.specific[key]
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// SpecificLong returns a specific setting as int64. Non-integral values report false.
func (p Parameter) SpecificLong(key string) (int64, bool) {
	value, ok := p.specific[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return floatToLong(float64(v))
	case float64:
		return floatToLong(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func floatToLong(v float64) (int64, bool) {
	if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
		return 0, false
	}
	return int64(v), true
}

// Address renders host and port for dialers.
func (p Parameter) Address() string {
	if p.Port <= 0 {
		return p.Host
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL renders schema, address and endpoint path.
func (p Parameter) URL() string {
	var b strings.Builder
	if p.Schema != "" && p.Schema != SchemaIgnore {
		b.WriteString(string(p.Schema))
		b.WriteString("://")
	}
	b.WriteString(p.Address())
	if p.EndpointPath != "" {
		if !strings.HasPrefix(p.EndpointPath, "/") {
			b.WriteByte('/')
		}
		b.WriteString(p.EndpointPath)
	}
	return b.String()
}

// Parameter converts the YAML representation into a Parameter.
func (c ParameterConfig) Parameter() (Parameter, error) {
	opts := []ParameterOption{
		WithEndpointPath(c.EndpointPath),
		WithApplicationInformation(c.ApplicationID, c.ApplicationDescription),
		WithAutoApplicationID(c.AutoApplicationID),
	}
	if c.Schema != "" {
		opts = append(opts, WithSchema(c.Schema))
	}
	if c.RequestTimeout.Duration > 0 {
		opts = append(opts, WithRequestTimeout(c.RequestTimeout.Duration))
	}
	if c.NotificationInterval != nil {
		opts = append(opts, WithNotificationInterval(c.NotificationInterval.Duration))
	}
	if c.KeepAlive.Duration > 0 {
		opts = append(opts, WithKeepAlive(c.KeepAlive.Duration))
	}
	if c.Identity != nil {
		tok, err := c.Identity.IdentityToken()
		if err != nil {
			return Parameter{}, fmt.Errorf("identity: %w", err)
		}
		opts = append(opts, WithIdentity(AnyEndpoint, tok))
	}
	for endpoint, identity := range c.Identities {
		tok, err := identity.IdentityToken()
		if err != nil {
			return Parameter{}, fmt.Errorf("identity %q: %w", endpoint, err)
		}
		opts = append(opts, WithIdentity(endpoint, tok))
	}
	for key, value := range c.Settings {
		opts = append(opts, WithSpecificSetting(key, value))
	}
	return NewParameter(c.Host, c.Port, opts...), nil
}
