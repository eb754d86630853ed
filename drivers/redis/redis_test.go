package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/coupler/adapter"
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/drivers"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// fakeStreams keeps entries per stream in id order.
type fakeStreams struct {
	mu      sync.Mutex
	opts    *goredis.Options
	pingErr error
	streams map[string][]goredis.XMessage
	seq     int64
	writes  int
	closed  bool
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{streams: make(map[string][]goredis.XMessage)}
}

func (f *fakeStreams) factory(opts *goredis.Options) StreamClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	f.closed = false
	return f
}

func (f *fakeStreams) Ping(context.Context) error { return f.pingErr }

func (f *fakeStreams) XAdd(_ context.Context, entries []*goredis.XAddArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	for _, e := range entries {
		f.seq++
		ms := f.seq
		if head, _, ok := strings.Cut(e.ID, "-"); ok {
			ms, _ = strconv.ParseInt(head, 10, 64)
		}
		values := make(map[string]interface{})
		for k, v := range e.Values.(map[string]interface{}) {
			values[k] = fmt.Sprint(v)
		}
		f.streams[e.Stream] = append(f.streams[e.Stream], goredis.XMessage{ID: fmt.Sprintf("%d-%d", ms, f.seq), Values: values})
	}
	return nil
}

func (f *fakeStreams) add(stream string, ms int64, values map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.streams[stream] = append(f.streams[stream], goredis.XMessage{ID: fmt.Sprintf("%d-0", ms), Values: values})
}

func inRange(id, start, end string) bool {
	ms, _ := entryMillis(id)
	if start != "-" {
		lo, _ := entryMillis(start)
		if ms < lo {
			return false
		}
	}
	if end != "+" {
		hi, _ := entryMillis(end)
		if ms > hi {
			return false
		}
	}
	return true
}

func (f *fakeStreams) XRange(_ context.Context, stream, start, end string) ([]goredis.XMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []goredis.XMessage
	for _, m := range f.streams[stream] {
		if inRange(m.ID, start, end) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStreams) XRevRangeN(_ context.Context, stream, _, _ string, count int64) ([]goredis.XMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.streams[stream]
	var out []goredis.XMessage
	for i := len(entries) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (f *fakeStreams) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStreams) entries(stream string) []goredis.XMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]goredis.XMessage(nil), f.streams[stream]...)
}

type recordConnector = connector.Connector[model.Record, any, model.Record, model.Record]

func newConnector(t *testing.T, b *Binding, opts ...connector.Option) (*recordConnector, <-chan model.Record) {
	t.Helper()
	a := adapter.NewRecordAdapter("part")
	c, err := connector.New[model.Record, any, model.Record, model.Record](b, nil, []adapter.ProtocolAdapter[model.Record, any, model.Record, model.Record]{a}, opts...)
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

func params(interval time.Duration, settings ...config.ParameterOption) config.Parameter {
	opts := append([]config.ParameterOption{config.WithNotificationInterval(interval)}, settings...)
	return config.NewParameter("redis.local", 6379, opts...)
}

func TestOptionsFromParameters(t *testing.T) {
	p := config.NewParameter("redis.local", 6380,
		config.WithSchema(config.SchemaSSL),
		config.WithApplicationInformation("coupler", ""),
		config.WithIdentity(config.AnyEndpoint, config.UsernameToken("line", "secret")),
	)
	opts, err := Settings{Database: 2}.options(p)
	require.NoError(t, err)
	assert.Equal(t, "redis.local:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "line", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "coupler", opts.ClientName)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "redis.local", opts.TLSConfig.ServerName)

	_, err = Settings{}.options(config.Parameter{})
	assert.Error(t, err)
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "press", Settings{}.stream(params(0), "press"))
	assert.Equal(t, "line:press", Settings{Stream: "line:press"}.stream(params(0), "press"))
	assert.Equal(t, "override", Settings{Stream: "line:press"}.stream(params(0, config.WithSpecificSetting(SettingStream, "override")), "press"))
}

func TestFactoryDecodesSettings(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("stream: parts\ndatabase: 3\nmax_len: 1000\n"), &node))
	b, err := NewFactory()(config.ConnectorConfig{ID: "press", Driver: Driver, DriverSettings: node.Content[0]}, zerolog.Nop())
	require.NoError(t, err)
	d := b.Descriptor()
	assert.Equal(t, "press", d.Name)
	assert.False(t, d.Capabilities.Events)
	assert.True(t, d.SupportsQuery(trigger.KindTimeseries))
	assert.True(t, d.SupportsQuery(trigger.KindString))
	assert.Equal(t, Settings{Stream: "parts", Database: 3, MaxLen: 1000}, b.(*Binding).settings)
}

func TestDecodeEntry(t *testing.T) {
	rec, err := decodeEntry(goredis.XMessage{ID: "1700000000000-3", Values: map[string]interface{}{
		"lotSize": "4", "temp": "21.5", "ok": "true", "line": "L1",
	}})
	require.NoError(t, err)
	assert.Equal(t, model.Record{
		"lotSize":       int64(4),
		"temp":          21.5,
		"ok":            true,
		"line":          "L1",
		model.FieldTime: time.UnixMilli(1700000000000),
	}, rec)

	_, err = decodeEntry(goredis.XMessage{ID: "bogus"})
	assert.Error(t, err)
}

func TestDecodeEntryUsesTypeMap(t *testing.T) {
	rec, err := decodeEntry(goredis.XMessage{ID: "1700000000000-0", Values: map[string]interface{}{
		"serial": "007", "flag": "true", "lotSize": "4", "ratio": "2", "price": "1.10",
		fieldTypes: `{"serial":"s","flag":"s","lotSize":"i","ratio":"f","price":"d"}`,
	}})
	require.NoError(t, err)
	assert.Equal(t, "007", rec["serial"])
	assert.Equal(t, "true", rec["flag"])
	assert.Equal(t, int64(4), rec["lotSize"])
	assert.Equal(t, 2.0, rec["ratio"])
	assert.True(t, decimal.RequireFromString("1.10").Equal(rec["price"].(decimal.Decimal)))
	assert.NotContains(t, rec, fieldTypes)

	_, err = decodeEntry(goredis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"lotSize": "x", fieldTypes: `{"lotSize":"i"}`,
	}})
	assert.ErrorContains(t, err, "lotSize")
}

func TestWrittenValuesReadBackWithTheirType(t *testing.T) {
	fake := newFakeStreams()
	b := New("press", Settings{}, WithClientFactory(fake.factory))
	c, _ := newConnector(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, params(0)))

	out := model.Record{
		"serial":  "007",
		"flag":    "true",
		"lotSize": int64(42),
		"ratio":   2.0,
		"temp":    21.5,
		"ok":      true,
	}
	out[model.FieldTime] = int64(5000)
	require.NoError(t, c.Write(ctx, out))
	require.Len(t, fake.entries("press"), 1)

	rec, ok, err := b.Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "007", rec["serial"])
	assert.Equal(t, "true", rec["flag"])
	assert.Equal(t, int64(42), rec["lotSize"])
	assert.Equal(t, 2.0, rec["ratio"])
	assert.Equal(t, 21.5, rec["temp"])
	assert.Equal(t, true, rec["ok"])
	assert.Equal(t, time.UnixMilli(5000), rec[model.FieldTime])
	assert.NotContains(t, rec, fieldTypes)
}

func TestConnectFailure(t *testing.T) {
	fake := newFakeStreams()
	fake.pingErr = errors.New("connection refused")
	b := New("press", Settings{}, WithClientFactory(fake.factory))
	c, _ := newConnector(t, b)
	err := c.Connect(context.Background(), params(0))
	require.Error(t, err)
	assert.True(t, fake.closed)
	assert.Equal(t, connector.StateCreated, c.State())
}

func TestPollReadsNewestEntryOnce(t *testing.T) {
	fake := newFakeStreams()
	fake.add("press", 1000, map[string]interface{}{"lotSize": "1"})
	fake.add("press", 2000, map[string]interface{}{"lotSize": "2"})
	b := New("press", Settings{}, WithClientFactory(fake.factory))
	c, ch := newConnector(t, b)
	require.NoError(t, c.Connect(context.Background(), params(20*time.Millisecond)))

	rec := receive(t, ch)
	assert.Equal(t, int64(2), rec["lotSize"])
	assert.Equal(t, int64(2000), rec[model.FieldTime])

	select {
	case r := <-ch:
		t.Fatalf("entry %v delivered twice", r)
	case <-time.After(80 * time.Millisecond):
	}

	fake.add("press", 3000, map[string]interface{}{"lotSize": "3"})
	assert.Equal(t, int64(3), receive(t, ch)["lotSize"])
}

func TestWriteBatches(t *testing.T) {
	fake := newFakeStreams()
	b := New("press", Settings{Stream: "out"}, WithClientFactory(fake.factory))
	c, _ := newConnector(t, b)
	require.NoError(t, c.Connect(context.Background(), params(0, config.WithSpecificSetting(drivers.SettingBatch, 2))))

	require.NoError(t, c.Write(context.Background(), model.Record{"lotSize": 1, model.FieldTime: int64(5000)}))
	assert.Empty(t, fake.entries("out"))
	require.NoError(t, c.Write(context.Background(), model.Record{"lotSize": 2, model.FieldTime: int64(6000)}))
	entries := fake.entries("out")
	require.Len(t, entries, 2)
	assert.True(t, strings.HasPrefix(entries[0].ID, "5000-"))
	assert.Equal(t, "1", entries[0].Values["lotSize"])
	assert.Equal(t, 1, fake.writes)

	require.NoError(t, c.Write(context.Background(), model.Record{"lotSize": 3}))
	assert.Len(t, fake.entries("out"), 2)
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Len(t, fake.entries("out"), 3)
	assert.True(t, fake.closed)
}

func TestDisposeFlushesPendingWrites(t *testing.T) {
	fake := newFakeStreams()
	b := New("press", Settings{}, WithClientFactory(fake.factory))
	c, _ := newConnector(t, b)
	require.NoError(t, c.Connect(context.Background(), params(0, config.WithSpecificSetting(drivers.SettingBatch, 10))))
	require.NoError(t, c.Write(context.Background(), model.Record{"lotSize": 7}))
	c.Dispose()
	entries := fake.entries("press")
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].Values["lotSize"])
}

func TestTagsAreWrittenAsStrings(t *testing.T) {
	fake := newFakeStreams()
	b := New("press", Settings{}, WithClientFactory(fake.factory))
	c, _ := newConnector(t, b)
	require.NoError(t, c.Connect(context.Background(), params(0, config.WithSpecificSetting(drivers.SettingTags, "line"))))
	require.NoError(t, c.Write(context.Background(), model.Record{"line": "L1", "temp": 21.5}))
	entries := fake.entries("press")
	require.Len(t, entries, 1)
	assert.Equal(t, "L1", entries[0].Values["line"])
	assert.Equal(t, "21.5", entries[0].Values["temp"])
}

func TestTriggerReplaysRange(t *testing.T) {
	fake := newFakeStreams()
	fake.add("press", 1000, map[string]interface{}{"lotSize": "1"})
	fake.add("press", 2000, map[string]interface{}{"lotSize": "2"})
	fake.add("press", 3000, map[string]interface{}{"lotSize": "3"})
	b := New("press", Settings{}, WithClientFactory(fake.factory))

	var mu sync.Mutex
	var pauses []time.Duration
	c, ch := newConnector(t, b, connector.WithReplaySleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, c.Connect(context.Background(), params(0)))

	_, err := c.Trigger(trigger.TimeseriesQuery{Start: trigger.Absolute(2000)})
	require.NoError(t, err)
	c.WaitTriggers()
	assert.Equal(t, int64(2), receive(t, ch)["lotSize"])
	assert.Equal(t, int64(3), receive(t, ch)["lotSize"])
	mu.Lock()
	assert.Equal(t, []time.Duration{time.Second}, pauses)
	mu.Unlock()

	_, err = c.Trigger(trigger.StringQuery{Query: "- 1000", Language: LanguageXRange})
	require.NoError(t, err)
	c.WaitTriggers()
	assert.Equal(t, int64(1), receive(t, ch)["lotSize"])
}

func TestQueryRejectsOtherLanguages(t *testing.T) {
	fake := newFakeStreams()
	b := New("press", Settings{}, WithClientFactory(fake.factory))
	require.NoError(t, b.Connect(context.Background(), params(0), nil))
	t.Cleanup(b.Dispose)

	_, err := b.Query(context.Background(), trigger.StringQuery{Query: "SELECT 1", Language: "influxql"})
	assert.ErrorIs(t, err, model.ErrUnsupported)
	_, err = b.Query(context.Background(), trigger.StringQuery{Query: "only-one"})
	assert.Error(t, err)
}
