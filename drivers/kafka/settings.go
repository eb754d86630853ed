package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/drivers/payload"
)

// SASL mechanisms.
const (
	SASLPlain        = "plain"
	SASLSCRAMSHA256  = "scram-sha-256"
	SASLSCRAMSHA512  = "scram-sha-512"
	defaultMaxWait   = 250 * time.Millisecond
	defaultRetryWait = 500 * time.Millisecond
)

// Settings is the driver_settings block of a Kafka connector.
type Settings struct {
	// Brokers defaults to the connector address.
	Brokers []string `yaml:"brokers,omitempty"`
	// Topic is consumed into records. Empty disables consumption.
	Topic string `yaml:"topic,omitempty"`
	// WriteTopic receives written records. Defaults to Topic.
	WriteTopic string `yaml:"write_topic,omitempty"`
	// GroupID defaults to the application id.
	GroupID string `yaml:"group_id,omitempty"`
	// StartOffset is "first" or "last" (default).
	StartOffset string `yaml:"start_offset,omitempty"`
	// KeyField names the record field mirrored into the message key.
	KeyField string             `yaml:"key_field,omitempty"`
	SASL     string             `yaml:"sasl,omitempty"`
	TLS      bool               `yaml:"tls,omitempty"`
	Payload  payload.Conversion `yaml:"payload,omitempty"`
}

// Validate performs lightweight validation.
func (s Settings) Validate() error {
	switch strings.ToLower(s.StartOffset) {
	case "", "first", "last":
	default:
		return fmt.Errorf("start_offset must be first or last, got %q", s.StartOffset)
	}
	switch strings.ToLower(s.SASL) {
	case "", SASLPlain, SASLSCRAMSHA256, SASLSCRAMSHA512:
	default:
		return fmt.Errorf("unsupported sasl mechanism %q", s.SASL)
	}
	return nil
}

func (s Settings) writeTopic() string {
	if s.WriteTopic != "" {
		return s.WriteTopic
	}
	return s.Topic
}

func (s Settings) brokers(params config.Parameter) []string {
	if len(s.Brokers) > 0 {
		return s.Brokers
	}
	return []string{params.Address()}
}

func (s Settings) startOffset() int64 {
	if strings.EqualFold(s.StartOffset, "first") {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

func (s Settings) mechanism(params config.Parameter) (sasl.Mechanism, error) {
	tok, ok := params.IdentityToken(config.AnyEndpoint)
	if !ok || tok.Type != config.TokenUsername {
		return nil, nil
	}
	switch strings.ToLower(s.SASL) {
	case "", SASLPlain:
		return plain.Mechanism{Username: tok.UserName, Password: tok.Secret()}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, tok.UserName, tok.Secret())
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, tok.UserName, tok.Secret())
	default:
		return nil, fmt.Errorf("kafka: unsupported sasl mechanism %q", s.SASL)
	}
}

func (s Settings) tlsConfig(params config.Parameter) *tls.Config {
	if !s.TLS && params.Schema != config.SchemaSSL && params.Schema != config.SchemaHTTPS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// readerConfig builds the consumer configuration.
func (s Settings) readerConfig(params config.Parameter, mechanism sasl.Mechanism) kafka.ReaderConfig {
	group := s.GroupID
	if group == "" {
		group = params.ApplicationID
	}
	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return kafka.ReaderConfig{
		Brokers:     s.brokers(params),
		Topic:       s.Topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     defaultMaxWait,
		StartOffset: s.startOffset(),
		Dialer: &kafka.Dialer{
			Timeout:       timeout,
			DualStack:     true,
			TLS:           s.tlsConfig(params),
			SASLMechanism: mechanism,
		},
	}
}

// writer builds the producer for the write topic.
func (s Settings) writer(params config.Parameter, mechanism sasl.Mechanism) *kafka.Writer {
	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(s.brokers(params)...),
		Topic:        s.writeTopic(),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
		Transport: &kafka.Transport{
			DialTimeout: timeout,
			TLS:         s.tlsConfig(params),
			SASL:        mechanism,
			ClientID:    params.ApplicationID,
		},
	}
}
