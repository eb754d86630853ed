package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/coupler/adapter"
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/model"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu          sync.Mutex
	opts        *mqtt.ClientOptions
	connectErr  error
	connected   bool
	handlers    map[string]mqtt.MessageHandler
	published   []published
	disconnects int
}

func (f *fakeClient) factory(opts *mqtt.ClientOptions) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	f.handlers = make(map[string]mqtt.MessageHandler)
	return f
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectErr == nil
	return doneToken{err: f.connectErr}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, retain: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	return doneToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return doneToken{}
}

func (f *fakeClient) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for topic := range f.handlers {
		out = append(out, topic)
	}
	return out
}

// deliver runs the handler like paho does with ordering disabled.
func (f *fakeClient) deliver(topic, body string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		go h(nil, message{topic: topic, payload: []byte(body)})
	}
}

// deliverInOrder runs the handler on the calling goroutine.
func (f *fakeClient) deliverInOrder(topic, body string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(nil, message{topic: topic, payload: []byte(body)})
	}
}

type recordConnector = connector.Connector[model.Record, any, model.Record, model.Record]

func newConnector(t *testing.T, b *Binding, a adapter.ProtocolAdapter[model.Record, any, model.Record, model.Record]) (*recordConnector, <-chan model.Record) {
	t.Helper()
	c, err := connector.New[model.Record, any, model.Record, model.Record](b, nil, []adapter.ProtocolAdapter[model.Record, any, model.Record, model.Record]{a})
	require.NoError(t, err)
	ch := make(chan model.Record, 16)
	c.SetReceptionCallback(connector.Callback[model.Record]{Type: a.OutputType(), Handle: func(r model.Record) {
		ch <- r
	}})
	t.Cleanup(c.Dispose)
	return c, ch
}

func receive(t *testing.T, ch <-chan model.Record) model.Record {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no record received")
		return nil
	}
}

func broker() config.Parameter {
	return config.NewParameter("broker.local", 1883,
		config.WithApplicationInformation("coupler-test", ""),
		config.WithIdentity(config.AnyEndpoint, config.UsernameToken("line", "secret")),
	)
}

func TestResolveFromParameters(t *testing.T) {
	s := Settings{}.resolve(broker())
	assert.Equal(t, "tcp://broker.local:1883", s.Broker)
	assert.Equal(t, "coupler-test", s.ClientID)
	require.NotNil(t, s.Auth)
	assert.Equal(t, "line", s.Auth.Username)
	assert.Equal(t, "secret", s.Auth.Password)
	assert.Equal(t, config.DefaultRequestTimeout, durationValue(s.ConnectTimeout))

	ws := Settings{}.resolve(config.NewParameter("broker.local", 443, config.WithSchema(config.SchemaWSS), config.WithEndpointPath("/mqtt")))
	assert.Equal(t, "wss://broker.local:443/mqtt", ws.Broker)

	explicit := Settings{Broker: "ssl://other:8883", ClientID: "fixed"}.resolve(broker())
	assert.Equal(t, "ssl://other:8883", explicit.Broker)
	assert.Equal(t, "fixed", explicit.ClientID)
}

func TestValidate(t *testing.T) {
	bad := byte(3)
	assert.Error(t, Settings{Subscriptions: []Subscription{{}}}.Validate())
	assert.Error(t, Settings{Subscriptions: []Subscription{{Topic: "a", QoS: &bad}}}.Validate())
	assert.Error(t, Settings{QoS: 3}.Validate())
	assert.Error(t, Settings{Will: &WillSettings{}}.Validate())
	assert.NoError(t, Settings{Subscriptions: []Subscription{{Topic: "a/#"}}}.Validate())
}

func TestBuildOptions(t *testing.T) {
	opts, err := buildOptions(Settings{
		Broker:   "tcp://localhost:1883",
		ClientID: "press",
		Will:     &WillSettings{Topic: "press/status", Payload: "offline", Retain: true},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "press", opts.ClientID)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "press/status", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.False(t, opts.AutoReconnect)
	assert.False(t, opts.Order)

	_, err = buildOptions(Settings{}, zerolog.Nop(), nil)
	assert.Error(t, err)

	_, err = buildOptions(Settings{Broker: "ssl://x:8883", TLS: &TLSSettings{Enabled: true, CAFile: "missing.pem"}}, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestFactoryDecodesSettings(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("topic: press/out\nqos: 1\nsubscriptions:\n  - topic: press/in\n"), &node))
	b, err := NewFactory()(config.ConnectorConfig{ID: "press", Driver: Driver, DriverSettings: node.Content[0]}, zerolog.Nop())
	require.NoError(t, err)

	d := b.Descriptor()
	assert.Equal(t, "press", d.Name)
	assert.True(t, d.Capabilities.Events)
	m := b.(*Binding)
	assert.Equal(t, "press/out", m.settings.Topic)
	assert.Equal(t, byte(1), m.settings.QoS)
	require.Len(t, m.settings.Subscriptions, 1)
}

func TestSubscriptionPushesRecords(t *testing.T) {
	fake := &fakeClient{}
	b, err := New("press", Settings{Subscriptions: []Subscription{{Topic: "press/state"}}}, WithClientFactory(fake.factory))
	require.NoError(t, err)
	c, ch := newConnector(t, b, adapter.NewRecordAdapter("part", "lotSize"))
	require.NoError(t, c.Connect(context.Background(), broker()))
	assert.ElementsMatch(t, []string{"press/state"}, fake.topics())

	fake.deliver("press/state", `{"lotSize":4,"ts":1700000000000}`)
	rec := receive(t, ch)
	assert.EqualValues(t, 4, rec["lotSize"])
	assert.EqualValues(t, 1700000000000, rec[model.FieldTime])

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, 1, fake.disconnects)
	fake.deliver("press/state", `{"lotSize":5}`)
	select {
	case r := <-ch:
		t.Fatalf("record %v delivered after disconnect", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStaleTimedMessagesAreDropped(t *testing.T) {
	fake := &fakeClient{}
	b, err := New("press", Settings{Subscriptions: []Subscription{{Topic: "press/state"}, {Topic: "oven/state"}}}, WithClientFactory(fake.factory))
	require.NoError(t, err)
	c, ch := newConnector(t, b, adapter.NewRecordAdapter("part", "lotSize"))
	require.NoError(t, c.Connect(context.Background(), broker()))

	fake.deliverInOrder("press/state", `{"lotSize":2,"ts":2000}`)
	assert.EqualValues(t, 2, receive(t, ch)["lotSize"])

	fake.deliverInOrder("press/state", `{"lotSize":1,"ts":1000}`)
	select {
	case r := <-ch:
		t.Fatalf("stale record %v delivered", r)
	case <-time.After(50 * time.Millisecond):
	}

	fake.deliverInOrder("oven/state", `{"lotSize":9,"ts":1500}`)
	assert.EqualValues(t, 9, receive(t, ch)["lotSize"])

	fake.deliverInOrder("press/state", `{"lotSize":3,"ts":3000}`)
	assert.EqualValues(t, 3, receive(t, ch)["lotSize"])
}

func TestMonitoredNamesSubscribeTopics(t *testing.T) {
	fake := &fakeClient{}
	b, err := New("press", Settings{TopicPrefix: "plant/press"}, WithClientFactory(fake.factory))
	require.NoError(t, err)
	monitoring := adapter.NewTranslating[model.Record, any, model.Record, model.Record](
		"spindle",
		adapter.OutputFunc[model.Record, model.Record](func(_ model.Record, access model.Access) (model.Record, error) {
			rpm, err := access.GetLong("spindle_rpm")
			return model.Record{"rpm": rpm}, err
		}),
		"spindle", nil,
		func(access model.Access) error {
			access.UseNotifications(true)
			return access.Monitor("spindle_rpm")
		},
	)
	c, ch := newConnector(t, b, monitoring)
	require.NoError(t, c.Connect(context.Background(), broker()))
	assert.ElementsMatch(t, []string{"plant/press/spindle/rpm"}, fake.topics())

	fake.deliver("plant/press/spindle/rpm", `1200`)
	assert.Equal(t, model.Record{"rpm": int64(1200)}, receive(t, ch))
}

func TestWritePublishesRecord(t *testing.T) {
	fake := &fakeClient{}
	b, err := New("press", Settings{Topic: "press/cmd", QoS: 1, Retain: true}, WithClientFactory(fake.factory))
	require.NoError(t, err)
	c, _ := newConnector(t, b, adapter.NewRecordAdapter("part"))
	require.NoError(t, c.Connect(context.Background(), broker()))

	require.NoError(t, c.Write(context.Background(), model.Record{"lotSize": 9}))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.published, 1)
	p := fake.published[0]
	assert.Equal(t, "press/cmd", p.topic)
	assert.Equal(t, byte(1), p.qos)
	assert.True(t, p.retain)
	var body map[string]any
	require.NoError(t, json.Unmarshal(p.payload, &body))
	assert.Equal(t, 9.0, body["lotSize"])
}

func TestWriteWithoutTopicFails(t *testing.T) {
	fake := &fakeClient{}
	b, err := New("press", Settings{}, WithClientFactory(fake.factory))
	require.NoError(t, err)
	c, _ := newConnector(t, b, adapter.NewRecordAdapter("part"))
	require.NoError(t, c.Connect(context.Background(), broker()))
	assert.Error(t, c.Write(context.Background(), model.Record{"lotSize": 1}))
}

func TestConnectFailure(t *testing.T) {
	fake := &fakeClient{connectErr: errors.New("refused")}
	b, err := New("press", Settings{}, WithClientFactory(fake.factory))
	require.NoError(t, err)
	c, _ := newConnector(t, b, adapter.NewRecordAdapter("part"))
	err = c.Connect(context.Background(), broker())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, connector.StateCreated, c.State())

	fake.mu.Lock()
	fake.connectErr = nil
	fake.mu.Unlock()
	require.NoError(t, c.Connect(context.Background(), broker()))
}
