package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/drivers/payload"
)

// Settings is the driver_settings block of an MQTT connector. Connection
// values left empty are derived from the connector parameters.
type Settings struct {
	Broker         string           `yaml:"broker,omitempty"`
	ClientID       string           `yaml:"client_id,omitempty"`
	CleanSession   *bool            `yaml:"clean_session,omitempty"`
	ConnectTimeout *config.Duration `yaml:"connect_timeout,omitempty"`
	// AutoReconnect lets the client library restore the session; off by default.
	AutoReconnect bool             `yaml:"auto_reconnect,omitempty"`
	MaxReconnect  *config.Duration `yaml:"max_reconnect_interval,omitempty"`
	Auth          *AuthSettings    `yaml:"auth,omitempty"`
	TLS           *TLSSettings     `yaml:"tls,omitempty"`
	Will          *WillSettings    `yaml:"will,omitempty"`

	// Subscriptions deliver whole records from their topics.
	Subscriptions []Subscription `yaml:"subscriptions,omitempty"`
	// TopicPrefix maps monitored names to topics; nested names become topic levels.
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	// Topic receives written records.
	Topic   string             `yaml:"topic,omitempty"`
	QoS     byte               `yaml:"qos,omitempty"`
	Retain  bool               `yaml:"retain,omitempty"`
	Payload payload.Conversion `yaml:"payload,omitempty"`
}

// AuthSettings capture username/password authentication.
type AuthSettings struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	Enabled            bool     `yaml:"enabled"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string   `yaml:"ca_file,omitempty"`
	CertFile           string   `yaml:"cert_file,omitempty"`
	KeyFile            string   `yaml:"key_file,omitempty"`
	ServerName         string   `yaml:"server_name,omitempty"`
	ALPN               []string `yaml:"alpn,omitempty"`
}

// WillSettings describe the last will message.
type WillSettings struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload,omitempty"`
	QoS     byte   `yaml:"qos,omitempty"`
	Retain  bool   `yaml:"retain,omitempty"`
}

// Subscription binds a topic filter to the inbound record stream.
type Subscription struct {
	Topic string `yaml:"topic"`
	QoS   *byte  `yaml:"qos,omitempty"`
}

func (s Settings) qos(sub Subscription) byte {
	if sub.QoS != nil {
		return *sub.QoS
	}
	return s.QoS
}

// Validate performs lightweight validation.
func (s Settings) Validate() error {
	for i, sub := range s.Subscriptions {
		if sub.Topic == "" {
			return fmt.Errorf("subscription %d missing topic", i)
		}
		if s.qos(sub) > 2 {
			return fmt.Errorf("subscription %d: qos must be 0, 1 or 2", i)
		}
	}
	if s.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if s.Will != nil && s.Will.Topic == "" {
		return fmt.Errorf("will.topic is required")
	}
	return nil
}

// resolve fills connection values from params.
func (s Settings) resolve(params config.Parameter) Settings {
	out := s
	if out.Broker == "" {
		schema := params.Schema
		switch schema {
		case "", config.SchemaIgnore, config.SchemaHTTP:
			schema = config.SchemaTCP
		case config.SchemaHTTPS:
			schema = config.SchemaSSL
		}
		out.Broker = string(schema) + "://" + params.Address()
		if (schema == config.SchemaWS || schema == config.SchemaWSS) && params.EndpointPath != "" {
			out.Broker += "/" + strings.TrimPrefix(params.EndpointPath, "/")
		}
	}
	if out.ClientID == "" {
		out.ClientID = params.ApplicationID
	}
	if out.Auth == nil {
		if tok, ok := params.IdentityToken(config.AnyEndpoint); ok && tok.Type == config.TokenUsername {
			out.Auth = &AuthSettings{Username: tok.UserName, Password: tok.Secret()}
		}
	}
	if out.ConnectTimeout == nil {
		out.ConnectTimeout = &config.Duration{Duration: params.RequestTimeout}
	}
	return out
}

func durationValue(d *config.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}
