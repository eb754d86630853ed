// Package kafka binds connectors to Kafka topics. Consumed messages are pushed
// as records, written records are produced as one message each.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/drivers"
	"github.com/timzifer/coupler/drivers/payload"
	"github.com/timzifer/coupler/model"
)

// Driver is the driver name used in configuration.
const Driver = "kafka"

// Reader is the consumer side of kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the producer side of kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory creates the consumer.
type ReaderFactory func(cfg kafka.ReaderConfig) Reader

// WriterFactory wraps a configured producer.
type WriterFactory func(w *kafka.Writer) Writer

func newReader(cfg kafka.ReaderConfig) Reader { return kafka.NewReader(cfg) }

func newWriter(w *kafka.Writer) Writer { return w }

// Binding connects a connector to Kafka.
type Binding struct {
	name      string
	settings  Settings
	logger    zerolog.Logger
	newReader ReaderFactory
	newWriter WriterFactory
	now       func() time.Time
	retryWait time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	writer Writer
	access *model.RecordAccess
	sep    string
	last   model.Record
	wg     sync.WaitGroup
}

// Option customises a Binding.
type Option func(*Binding)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Binding) { b.logger = logger }
}

// WithReaderFactory replaces the consumer, mainly for tests.
func WithReaderFactory(f ReaderFactory) Option {
	return func(b *Binding) {
		if f != nil {
			b.newReader = f
		}
	}
}

// WithWriterFactory replaces the producer, mainly for tests.
func WithWriterFactory(f WriterFactory) Option {
	return func(b *Binding) {
		if f != nil {
			b.newWriter = f
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
		return nil, fmt.Errorf("kafka %s: %w", name, err)
	}
	b := &Binding{
		name:      name,
		settings:  settings,
		logger:    zerolog.Nop(),
		newReader: newReader,
		newWriter: newWriter,
		now:       time.Now,
		retryWait: defaultRetryWait,
		sep:       drivers.DefaultSeparator,
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

// Descriptor describes the Kafka binding kind.
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

func (b *Binding) Connect(_ context.Context, params config.Parameter, sink connector.Sink[model.Record]) error {
	mechanism, err := b.settings.mechanism(params)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errors.New("kafka: already connected")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sep = drivers.Separator(params)
	b.last = nil

	if b.settings.writeTopic() != "" {
		b.writer = b.newWriter(b.settings.writer(params, mechanism))
	}
	if b.settings.Topic != "" {
		cfg := b.settings.readerConfig(params, mechanism)
		reader := b.newReader(cfg)
		b.wg.Add(1)
		go b.consume(ctx, reader, cfg.GroupID != "", sink)
	}
	b.logger.Debug().Strs("brokers", b.settings.brokers(params)).Str("topic", b.settings.Topic).Msg("kafka connected")
	return nil
}

// consume pushes every fetched message to sink until ctx ends. The reader is
// closed on exit.
func (b *Binding) consume(ctx context.Context, reader Reader, commit bool, sink connector.Sink[model.Record]) {
	defer b.wg.Done()
	defer func() {
		if err := reader.Close(); err != nil {
			b.logger.Debug().Err(err).Msg("kafka: close reader")
		}
	}()
	for {
		msg, err := reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn().Err(err).Msg("kafka: fetch message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryWait):
			}
			continue
		}

		b.handle(msg, sink)
		if commit {
			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("kafka: commit")
			}
		}
	}
}

func (b *Binding) handle(msg kafka.Message, sink connector.Sink[model.Record]) {
	b.mu.Lock()
	sep := b.sep
	b.mu.Unlock()

	rec, err := payload.DecodeRecord(b.settings.Payload, sep, "", msg.Value)
	if err != nil {
		b.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("kafka: decode payload")
		return
	}
	if _, ok := rec[model.FieldTime]; !ok {
		ts := msg.Time
		if ts.IsZero() {
			ts = b.now()
		}
		rec[model.FieldTime] = ts
	}
	if b.settings.KeyField != "" && len(msg.Key) > 0 {
		rec[b.settings.KeyField] = string(msg.Key)
	}

	b.mu.Lock()
	b.last = rec
	b.mu.Unlock()
	err = sink.Received(rec, func() {
		b.mu.Lock()
		access := b.access
		b.mu.Unlock()
		if access != nil {
			access.SetReadData(rec)
		}
	})
	if err != nil && !errors.Is(err, connector.ErrNotConnected) {
		b.logger.Debug().Err(err).Int64("offset", msg.Offset).Msg("kafka: message rejected")
	}
}

func (b *Binding) NewAccess(params config.Parameter) (model.Access, error) {
	access := drivers.NewRecordAccess(params, b.now)
	b.mu.Lock()
	b.access = access
	b.mu.Unlock()
	return access, nil
}

// Read stages the last consumed record.
func (b *Binding) Read(context.Context) (model.Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil || b.access == nil {
		return nil, false, connector.ErrNotConnected
	}
	if b.last == nil {
		return nil, false, nil
	}
	b.access.SetReadData(b.last)
	return b.last, true, nil
}

// Flush produces the outbound record to the write topic.
func (b *Binding) Flush(ctx context.Context, _ any) error {
	b.mu.Lock()
	writer, access, connected := b.writer, b.access, b.cancel != nil
	b.mu.Unlock()
	if !connected || access == nil {
		return connector.ErrNotConnected
	}
	out, ok := access.TakeOutbound()
	if !ok {
		return nil
	}
	if writer == nil {
		return fmt.Errorf("kafka: no topic configured for writes")
	}
	body, err := payload.EncodeRecord(b.settings.Payload, out)
	if err != nil {
		return err
	}
	msg := kafka.Message{Value: body, Time: b.now()}
	if out.HasTime {
		msg.Time = time.UnixMilli(out.Time)
	}
	if key := b.key(out); key != "" {
		msg.Key = []byte(key)
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", b.settings.writeTopic(), err)
	}
	return nil
}

func (b *Binding) key(out model.OutboundRecord) string {
	if b.settings.KeyField == "" {
		return ""
	}
	if v, ok := out.Tags[b.settings.KeyField]; ok {
		return v
	}
	if v, ok := out.Fields[b.settings.KeyField]; ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

// Disconnect stops consumption without waiting for the consumer and closes the producer.
func (b *Binding) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.cancel = nil
	var err error
	if b.writer != nil {
		err = b.writer.Close()
		b.writer = nil
	}
	return err
}

func (b *Binding) Dispose() {
	if err := b.Disconnect(context.Background()); err != nil {
		b.logger.Debug().Err(err).Msg("kafka: close writer")
	}
	b.wg.Wait()
	b.mu.Lock()
	b.access = nil
	b.last = nil
	b.mu.Unlock()
}
