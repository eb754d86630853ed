// Package mqtt binds connectors to an MQTT broker. Subscribed topics and
// monitored names are pushed as records; writes are published as one object.
//
// Message handlers run concurrently, so the broker's per-topic order is not
// kept. A payload carrying a time field is dropped when a newer message of the
// same topic was already delivered. Payloads without a time are stamped on
// arrival and may be delivered out of order.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/drivers"
	"github.com/timzifer/coupler/drivers/payload"
	"github.com/timzifer/coupler/model"
)

// Driver is the driver name used in configuration.
const Driver = "mqtt"

const disconnectQuiesce = 250

// Binding connects a connector to an MQTT broker.
type Binding struct {
	name     string
	settings Settings
	logger   zerolog.Logger
	factory  ClientFactory
	now      func() time.Time

	mu       sync.Mutex
	resolved Settings
	client   Client
	sink     connector.Sink[model.Record]
	access   *model.RecordAccess
	sep      string
	// topics maps subscribed topics to the record prefix of their payloads.
	topics map[string]string
	state  model.Record
	// latest holds the newest payload time delivered per topic.
	latest map[string]time.Time
	// established is set once the first session is up; later OnConnect calls resubscribe.
	established bool
}

// Option customises a Binding.
type Option func(*Binding)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Binding) { b.logger = logger }
}

// WithClientFactory replaces the paho client, mainly for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Binding) {
		if f != nil {
			b.factory = f
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Binding) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a binding for settings.
func New(name string, settings Settings, opts ...Option) (*Binding, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", name, err)
	}
	b := &Binding{
		name:     name,
		settings: settings,
		logger:   zerolog.Nop(),
		factory:  NewPahoClient,
		now:      time.Now,
		sep:      drivers.DefaultSeparator,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// NewFactory returns the factory registered under Driver.
func NewFactory(opts ...Option) connector.BindingFactory[model.Record, any] {
	return func(cfg config.ConnectorConfig, logger zerolog.Logger) (connector.Binding[model.Record, any], error) {
		var settings Settings
		if err := drivers.DecodeSettings(cfg, &settings); err != nil {
			return nil, err
		}
		return New(cfg.ID, settings, append([]Option{WithLogger(logger)}, opts...)...)
	}
}

// Descriptor describes the MQTT binding kind.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Name:             Driver,
		Driver:           Driver,
		Capabilities:     connector.Capabilities{Events: true, Structs: true},
		SpecificSettings: []string{drivers.SettingTags, drivers.SettingBaseTime, drivers.SettingSeparator},
	}
}

func (b *Binding) Descriptor() connector.Descriptor {
	d := Descriptor()
	if b.name != "" {
		d.Name = b.name
	}
	return d
}

func (b *Binding) Connect(ctx context.Context, params config.Parameter, sink connector.Sink[model.Record]) error {
	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		return errors.New("mqtt: already connected")
	}
	resolved := b.settings.resolve(params)
	opts, err := buildOptions(resolved, b.logger, b.onConnect)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if params.KeepAlive > 0 {
		opts.SetKeepAlive(params.KeepAlive)
	}
	client := b.factory(opts)
	b.resolved = resolved
	b.sink = sink
	b.sep = drivers.Separator(params)
	b.topics = make(map[string]string)
	b.state = model.Record{}
	b.latest = make(map[string]time.Time)
	b.established = false
	b.mu.Unlock()

	timeout := connectTimeout(ctx, resolved)
	if err := wait(client.Connect(), timeout); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", resolved.Broker, err)
	}

	b.mu.Lock()
	b.client = client
	b.established = true
	b.mu.Unlock()

	for _, sub := range resolved.Subscriptions {
		if err := b.subscribe(sub.Topic, resolved.qos(sub), ""); err != nil {
			b.disconnectClient()
			return err
		}
	}
	b.logger.Debug().Str("broker", resolved.Broker).Int("subscriptions", len(resolved.Subscriptions)).Msg("mqtt connected")
	return nil
}

func connectTimeout(ctx context.Context, s Settings) time.Duration {
	timeout := durationValue(s.ConnectTimeout)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	return timeout
}

// onConnect restores subscriptions after the client library reconnected.
func (b *Binding) onConnect(c mqtt.Client) {
	b.mu.Lock()
	if !b.established {
		b.mu.Unlock()
		return
	}
	topics := make(map[string]string, len(b.topics))
	for topic, prefix := range b.topics {
		topics[topic] = prefix
	}
	qos := b.resolved.QoS
	b.mu.Unlock()

	for topic, prefix := range topics {
		c.Subscribe(topic, qos, b.handler(prefix))
	}
	b.logger.Info().Int("topics", len(topics)).Msg("mqtt: subscriptions restored")
}

func (b *Binding) subscribe(topic string, qos byte, prefix string) error {
	b.mu.Lock()
	client := b.client
	timeout := durationValue(b.resolved.ConnectTimeout)
	if _, ok := b.topics[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	if client == nil {
		return connector.ErrNotConnected
	}
	if err := wait(client.Subscribe(topic, qos, b.handler(prefix)), timeout); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	b.topics[topic] = prefix
	b.mu.Unlock()
	return nil
}

func (b *Binding) handler(prefix string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		b.mu.Lock()
		conv, sep, sink := b.resolved.Payload, b.sep, b.sink
		b.mu.Unlock()
		if sink == nil {
			return
		}

		rec, err := payload.DecodeRecord(conv, sep, prefix, msg.Payload())
		if err != nil {
			b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: decode payload")
			return
		}
		at, timed := rec[model.FieldTime].(time.Time)
		if _, ok := rec[model.FieldTime]; !ok {
			rec[model.FieldTime] = b.now()
		}
		snapshot, fresh := b.merge(msg.Topic(), rec, at, timed)
		if !fresh {
			b.logger.Debug().Str("topic", msg.Topic()).Time("time", at).Msg("mqtt: stale message dropped")
			return
		}

		err = sink.Received(snapshot, func() {
			b.mu.Lock()
			access := b.access
			b.mu.Unlock()
			if access != nil {
				access.SetReadData(snapshot)
			}
		})
		if err != nil && !errors.Is(err, connector.ErrNotConnected) {
			b.logger.Debug().Err(err).Str("topic", msg.Topic()).Msg("mqtt: message rejected")
		}
	}
}

// merge folds rec into the connection state and returns a snapshot of it.
// A timed rec older than the last one of its topic is rejected.
func (b *Binding) merge(topic string, rec model.Record, at time.Time, timed bool) (model.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timed {
		if last, ok := b.latest[topic]; ok && at.Before(last) {
			return nil, false
		}
		if b.latest == nil {
			b.latest = make(map[string]time.Time)
		}
		b.latest[topic] = at
	}
	if b.state == nil {
		b.state = model.Record{}
	}
	for k, v := range rec {
		b.state[k] = v
	}
	return b.state.Clone(), true
}

// topicFor maps a resolved name to its topic below TopicPrefix.
func (b *Binding) topicFor(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := name
	if b.sep != "" {
		levels = strings.ReplaceAll(name, b.sep, "/")
	}
	prefix := b.resolved.TopicPrefix
	if prefix == "" {
		return levels
	}
	return strings.TrimSuffix(prefix, "/") + "/" + levels
}

func (b *Binding) NewAccess(params config.Parameter) (model.Access, error) {
	access := drivers.NewRecordAccess(params, b.now, model.WithMonitorHook(func(names []string) error {
		b.mu.Lock()
		qos := b.resolved.QoS
		b.mu.Unlock()
		for _, name := range names {
			if err := b.subscribe(b.topicFor(name), qos, name); err != nil {
				return err
			}
		}
		return nil
	}))
	b.mu.Lock()
	b.access = access
	b.mu.Unlock()
	return access, nil
}

// Read returns the state accumulated from received messages.
func (b *Binding) Read(context.Context) (model.Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || b.access == nil {
		return nil, false, connector.ErrNotConnected
	}
	if len(b.state) == 0 {
		return nil, false, nil
	}
	snapshot := b.state.Clone()
	b.access.SetReadData(snapshot)
	return snapshot, true, nil
}

// Flush publishes the outbound record to the configured topic.
func (b *Binding) Flush(context.Context, any) error {
	b.mu.Lock()
	client, access, s := b.client, b.access, b.resolved
	b.mu.Unlock()
	if client == nil || access == nil {
		return connector.ErrNotConnected
	}
	out, ok := access.TakeOutbound()
	if !ok {
		return nil
	}
	if s.Topic == "" {
		return fmt.Errorf("mqtt: no topic configured for writes")
	}
	body, err := payload.EncodeRecord(s.Payload, out)
	if err != nil {
		return err
	}
	if err := wait(client.Publish(s.Topic, s.QoS, s.Retain, body), durationValue(s.ConnectTimeout)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", s.Topic, err)
	}
	return nil
}

func (b *Binding) Disconnect(context.Context) error {
	b.disconnectClient()
	return nil
}

func (b *Binding) disconnectClient() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.sink = nil
	b.established = false
	b.topics = nil
	b.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
	}
}

func (b *Binding) Dispose() {
	b.disconnectClient()
	b.mu.Lock()
	b.access = nil
	b.state = nil
	b.latest = nil
	b.mu.Unlock()
}
