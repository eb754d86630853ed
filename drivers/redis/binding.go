// Package redis binds connectors to a Redis stream used as a time series.
// Entry ids carry the record time in milliseconds, so a poll reads the newest
// entry and a trigger replays a range of ids.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/drivers"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// Driver is the driver name used in configuration.
const Driver = "redis"

// fieldTypes names the entry field holding the JSON map of field name to
// type marker. Entries written by other producers may omit it.
const fieldTypes = "_types"

// Type markers stored per field in fieldTypes.
const (
	typeString  = "s"
	typeInt     = "i"
	typeUint    = "u"
	typeFloat   = "f"
	typeBool    = "b"
	typeDecimal = "d"
	typeTime    = "t"
)

// LanguageXRange marks string queries holding "<start> <end>" stream ids.
const LanguageXRange = "xrange"

// StreamClient is the subset of the go-redis API the binding uses.
type StreamClient interface {
	Ping(ctx context.Context) error
	XAdd(ctx context.Context, entries []*goredis.XAddArgs) error
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) ([]goredis.XMessage, error)
	XRange(ctx context.Context, stream, start, stop string) ([]goredis.XMessage, error)
	Close() error
}

// ClientFactory creates a stream client from options.
type ClientFactory func(opts *goredis.Options) StreamClient

type client struct {
	rdb *goredis.Client
}

// NewClient is the default ClientFactory.
func NewClient(opts *goredis.Options) StreamClient {
	return &client{rdb: goredis.NewClient(opts)}
}

func (c *client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// XAdd writes all entries in one pipeline.
func (c *client) XAdd(ctx context.Context, entries []*goredis.XAddArgs) error {
	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, e := range entries {
			pipe.XAdd(ctx, e)
		}
		return nil
	})
	return err
}

func (c *client) XRevRangeN(ctx context.Context, stream, start, stop string, count int64) ([]goredis.XMessage, error) {
	return c.rdb.XRevRangeN(ctx, stream, start, stop, count).Result()
}

func (c *client) XRange(ctx context.Context, stream, start, stop string) ([]goredis.XMessage, error) {
	return c.rdb.XRange(ctx, stream, start, stop).Result()
}

func (c *client) Close() error {
	return c.rdb.Close()
}

// Binding connects a connector to one Redis stream.
type Binding struct {
	name     string
	settings Settings
	logger   zerolog.Logger
	factory  ClientFactory
	now      func() time.Time

	mu      sync.Mutex
	client  StreamClient
	stream  string
	batch   int
	timeout time.Duration
	access  *model.RecordAccess
	lastID  string
	pending []*goredis.XAddArgs
}

// Option customises a Binding.
type Option func(*Binding)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Binding) { b.logger = logger }
}

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
func New(name string, settings Settings, opts ...Option) *Binding {
	b := &Binding{
		name:     name,
		settings: settings,
		logger:   zerolog.Nop(),
		factory:  NewClient,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// NewFactory returns the factory registered under Driver.
func NewFactory(opts ...Option) connector.BindingFactory[model.Record, any] {
	return func(cfg config.ConnectorConfig, logger zerolog.Logger) (connector.Binding[model.Record, any], error) {
		var settings Settings
		if err := drivers.DecodeSettings(cfg, &settings); err != nil {
			return nil, err
		}
		return New(cfg.ID, settings, append([]Option{WithLogger(logger)}, opts...)...), nil
	}
}

// Descriptor describes the Redis binding kind.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Name:   Driver,
		Driver: Driver,
		SpecificSettings: []string{
			SettingStream, drivers.SettingTags, drivers.SettingBaseTime,
			drivers.SettingBatch, drivers.SettingSeparator,
		},
		Queries: []trigger.Kind{trigger.KindTimeseries, trigger.KindString},
	}
}

func (b *Binding) Descriptor() connector.Descriptor {
	d := Descriptor()
	if b.name != "" {
		d.Name = b.name
	}
	return d
}

func (b *Binding) Connect(ctx context.Context, params config.Parameter, _ connector.Sink[model.Record]) error {
	opts, err := b.settings.options(params)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return errors.New("redis: already connected")
	}
	c := b.factory(opts)
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("redis: connect %s: %w", opts.Addr, err)
	}
	b.client = c
	b.stream = b.settings.stream(params, b.name)
	b.batch = drivers.Batch(params)
	b.timeout = opts.WriteTimeout
	b.lastID = ""
	b.logger.Debug().Str("addr", opts.Addr).Str("stream", b.stream).Int("batch", b.batch).Msg("redis connected")
	return nil
}

func (b *Binding) NewAccess(params config.Parameter) (model.Access, error) {
	access := drivers.NewRecordAccess(params, b.now)
	b.mu.Lock()
	b.access = access
	b.mu.Unlock()
	return access, nil
}

// Read stages the newest stream entry. An entry already read is not repeated.
func (b *Binding) Read(ctx context.Context) (model.Record, bool, error) {
	b.mu.Lock()
	c, stream, access, last := b.client, b.stream, b.access, b.lastID
	b.mu.Unlock()
	if c == nil || access == nil {
		return nil, false, connector.ErrNotConnected
	}
	msgs, err := c.XRevRangeN(ctx, stream, "+", "-", 1)
	if err != nil {
		return nil, false, fmt.Errorf("redis: read %s: %w", stream, err)
	}
	if len(msgs) == 0 || msgs[0].ID == last {
		return nil, false, nil
	}
	rec, err := decodeEntry(msgs[0])
	if err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	b.lastID = msgs[0].ID
	b.mu.Unlock()
	access.SetReadData(rec)
	return rec, true, nil
}

// Flush queues the outbound record and writes the queue once it holds BATCH entries.
func (b *Binding) Flush(ctx context.Context, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || b.access == nil {
		return connector.ErrNotConnected
	}
	out, ok := b.access.TakeOutbound()
	if !ok {
		return nil
	}
	b.pending = append(b.pending, b.entry(out))
	if len(b.pending) < b.batch {
		return nil
	}
	return b.flushPending(ctx)
}

func (b *Binding) entry(out model.OutboundRecord) *goredis.XAddArgs {
	values := make(map[string]interface{}, len(out.Fields)+len(out.Tags)+1)
	types := make(map[string]string, len(out.Fields)+len(out.Tags))
	for k, v := range out.Fields {
		values[k], types[k] = encodeValue(v)
	}
	for k, v := range out.Tags {
		values[k], types[k] = v, typeString
	}
	if raw, err := json.Marshal(types); err == nil {
		values[fieldTypes] = string(raw)
	}
	id := "*"
	if out.HasTime {
		id = strconv.FormatInt(out.Time, 10) + "-*"
	}
	args := &goredis.XAddArgs{Stream: b.stream, ID: id, Values: values}
	if b.settings.MaxLen > 0 {
		args.MaxLen = b.settings.MaxLen
		args.Approx = true
	}
	return args
}

// flushPending writes queued entries. Callers hold mu.
func (b *Binding) flushPending(ctx context.Context) error {
	if len(b.pending) == 0 || b.client == nil {
		return nil
	}
	entries := b.pending
	b.pending = nil
	if err := b.client.XAdd(ctx, entries); err != nil {
		return fmt.Errorf("redis: write %d entries to %s: %w", len(entries), b.stream, err)
	}
	return nil
}

// Disconnect writes queued entries and closes the client.
func (b *Binding) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.flushPending(ctx)
	err = errors.Join(err, b.client.Close())
	b.client = nil
	return err
}

func (b *Binding) Dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout())
	defer cancel()
	if err := b.Disconnect(ctx); err != nil {
		b.logger.Error().Err(err).Msg("redis: dispose")
	}
	b.mu.Lock()
	b.access = nil
	b.pending = nil
	b.mu.Unlock()
}

func (b *Binding) flushTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timeout > 0 {
		return b.timeout
	}
	return config.DefaultRequestTimeout
}

// Query answers timeseries bounds and "xrange" string queries with stream entries.
func (b *Binding) Query(ctx context.Context, q trigger.Query) (trigger.Rows, error) {
	b.mu.Lock()
	c, stream := b.client, b.stream
	b.mu.Unlock()
	if c == nil {
		return nil, connector.ErrNotConnected
	}

	var start, end string
	switch query := q.(type) {
	case trigger.TimeseriesQuery:
		now := b.now()
		start, end = "-", "+"
		if t, ok := query.Start.Resolve(now); ok {
			start = strconv.FormatInt(t.UnixMilli(), 10)
		}
		if t, ok := query.End.Resolve(now); ok {
			end = strconv.FormatInt(t.UnixMilli(), 10)
		}
	case trigger.StringQuery:
		if query.Language != "" && !strings.EqualFold(query.Language, LanguageXRange) {
			return nil, fmt.Errorf("redis: query language %q: %w", query.Language, model.ErrUnsupported)
		}
		bounds := strings.Fields(query.Query)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("redis: xrange query needs start and end ids, got %q", query.Query)
		}
		start, end = bounds[0], bounds[1]
	default:
		return nil, fmt.Errorf("redis: %s queries: %w", q.Kind(), model.ErrUnsupported)
	}

	msgs, err := c.XRange(ctx, stream, start, end)
	if err != nil {
		return nil, fmt.Errorf("redis: range %s [%s, %s]: %w", stream, start, end, err)
	}
	var rows []trigger.Row
	for _, msg := range msgs {
		rec, err := decodeEntry(msg)
		if err != nil {
			return nil, err
		}
		ts, _ := rec.Time()
		for _, name := range rec.Names() {
			rows = append(rows, trigger.Row{Time: ts, Field: name, Value: rec[name]})
		}
	}
	return trigger.SliceRows(rows), nil
}

func (b *Binding) Stage(rec trigger.Record) (model.Record, error) {
	b.mu.Lock()
	access := b.access
	b.mu.Unlock()
	if access == nil {
		return nil, connector.ErrNotConnected
	}
	raw := model.Record(rec.Values).Clone()
	raw[model.FieldTime] = rec.Time
	access.SetReadData(raw)
	return raw, nil
}

func (b *Binding) Unstage() {
	b.mu.Lock()
	access := b.access
	b.mu.Unlock()
	if access != nil {
		access.ReadCompleted()
	}
}

// decodeEntry turns a stream entry into a record indexed by the id's milliseconds.
// Fields listed in the entry's type map decode to their written type; other
// fields fall back to inferring the type from the text.
func decodeEntry(msg goredis.XMessage) (model.Record, error) {
	ms, err := entryMillis(msg.ID)
	if err != nil {
		return nil, err
	}
	var types map[string]string
	if raw, ok := msg.Values[fieldTypes].(string); ok {
		if err := json.Unmarshal([]byte(raw), &types); err != nil {
			return nil, fmt.Errorf("redis: entry %s: invalid type map: %w", msg.ID, err)
		}
	}
	rec := make(model.Record, len(msg.Values)+1)
	for k, v := range msg.Values {
		if k == fieldTypes {
			continue
		}
		marker, typed := types[k]
		s, isString := v.(string)
		if !typed || !isString {
			rec[k] = inferValue(v)
			continue
		}
		val, err := decodeValue(marker, s)
		if err != nil {
			return nil, fmt.Errorf("redis: entry %s field %s: %w", msg.ID, k, err)
		}
		rec[k] = val
	}
	rec[model.FieldTime] = time.UnixMilli(ms)
	return rec, nil
}

func entryMillis(id string) (int64, error) {
	head, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: invalid stream id %q", id)
	}
	return ms, nil
}

// decodeValue parses s as the type named by marker.
func decodeValue(marker, s string) (interface{}, error) {
	switch marker {
	case typeString:
		return s, nil
	case typeInt:
		return strconv.ParseInt(s, 10, 64)
	case typeUint:
		return strconv.ParseUint(s, 10, 64)
	case typeFloat:
		return strconv.ParseFloat(s, 64)
	case typeBool:
		return strconv.ParseBool(s)
	case typeDecimal:
		return decimal.NewFromString(s)
	case typeTime:
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms), nil
	default:
		return nil, fmt.Errorf("unknown type marker %q", marker)
	}
}

// inferValue guesses the scalar type of an untyped stream value.
func inferValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// encodeValue renders v as stream text and returns its type marker.
func encodeValue(v interface{}) (string, string) {
	switch val := v.(type) {
	case string:
		return val, typeString
	case bool:
		return strconv.FormatBool(val), typeBool
	case int, int8, int16, int32, int64:
		return fmt.Sprint(val), typeInt
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val), typeUint
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), typeFloat
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), typeFloat
	case decimal.Decimal:
		return val.String(), typeDecimal
	case time.Time:
		return strconv.FormatInt(val.UnixMilli(), 10), typeTime
	case fmt.Stringer:
		return val.String(), typeString
	default:
		return fmt.Sprint(val), typeString
	}
}
