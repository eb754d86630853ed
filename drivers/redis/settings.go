package redis

import (
	"crypto/tls"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/timzifer/coupler/config"
)

// SettingStream overrides the stream key through the connector parameters.
const SettingStream = "STREAM"

// Settings is the driver_settings block of a Redis stream connector.
type Settings struct {
	Stream   string `yaml:"stream,omitempty"`
	Database int    `yaml:"database,omitempty"`
	// MaxLen trims the stream approximately on every write. Zero keeps everything.
	MaxLen int64 `yaml:"max_len,omitempty"`
	TLS    bool  `yaml:"tls,omitempty"`
}

// stream picks the stream key: the STREAM setting, the configured key, then name.
func (s Settings) stream(params config.Parameter, name string) string {
	if v, ok := params.SpecificString(SettingStream); ok && v != "" {
		return v
	}
	if s.Stream != "" {
		return s.Stream
	}
	return name
}

// options builds the go-redis client options from params.
func (s Settings) options(params config.Parameter) (*goredis.Options, error) {
	if params.Host == "" {
		return nil, fmt.Errorf("redis: host is required")
	}
	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	opts := &goredis.Options{
		Addr:         params.Address(),
		DB:           s.Database,
		ClientName:   params.ApplicationID,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if tok, ok := params.IdentityToken(config.AnyEndpoint); ok {
		switch tok.Type {
		case config.TokenUsername:
			opts.Username = tok.UserName
			opts.Password = tok.Secret()
		case config.TokenIssued:
			opts.Password = tok.Secret()
		}
	}
	if s.TLS || params.Schema == config.SchemaSSL || params.Schema == config.SchemaHTTPS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: params.Host}
	}
	return opts, nil
}
