// Package simulated provides an in-memory device binding. It generates values
// from configured signals, accepts writes into its model, pushes changes of
// monitored names and replays its change history.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/connector"
	"github.com/timzifer/coupler/drivers"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// Driver is the driver name used in configuration.
const Driver = "simulated"

const pendingCapacity = 64

// Access is the model access of a simulated connection. Call invokes device operations.
type Access struct {
	*model.RecordAccess
	device *Device
}

func (a *Access) Call(qName string, args ...interface{}) (interface{}, error) {
	return a.device.Call(a.Resolve(qName), args...)
}

// Binding connects a connector to a Device.
type Binding struct {
	name     string
	settings Settings
	device   *Device
	gen      *generator
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	access    *Access
	monitored map[string]struct{}
	cancel    context.CancelFunc
	unwatch   func()
	wg        sync.WaitGroup
}

// Option customises a Binding.
type Option func(*Binding)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Binding) { b.logger = logger }
}

// WithClock replaces time.Now for record and history timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Binding) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDevice shares an existing device, e.g. between a test and the binding.
func WithDevice(d *Device) Option {
	return func(b *Binding) { b.device = d }
}

// New creates a binding for settings.
func New(name string, settings Settings, opts ...Option) (*Binding, error) {
	gen, err := newGenerator(settings)
	if err != nil {
		return nil, fmt.Errorf("simulated %s: %w", name, err)
	}
	b := &Binding{
		name:      name,
		settings:  settings,
		gen:       gen,
		logger:    zerolog.Nop(),
		now:       time.Now,
		monitored: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.device == nil {
		b.device = NewDevice(settings.history(), b.now)
	}
	if len(settings.Values) > 0 {
		b.device.Apply(model.Record(settings.Values))
	}
	return b, nil
}

// NewFactory returns the factory registered under Driver.
func NewFactory() connector.BindingFactory[model.Record, any] {
	return func(cfg config.ConnectorConfig, logger zerolog.Logger) (connector.Binding[model.Record, any], error) {
		var settings Settings
		if err := drivers.DecodeSettings(cfg, &settings); err != nil {
			return nil, err
		}
		return New(cfg.ID, settings, WithLogger(logger))
	}
}

// Descriptor describes the binding kind for events or polling.
func Descriptor(events bool) connector.Descriptor {
	return connector.Descriptor{
		Name:             Driver,
		Driver:           Driver,
		Capabilities:     connector.Capabilities{Events: events, Structs: true, Calls: true, Model: true},
		SpecificSettings: []string{drivers.SettingTags, drivers.SettingBaseTime, drivers.SettingSeparator},
		Queries:          []trigger.Kind{trigger.KindTimeseries},
	}
}

func (b *Binding) Descriptor() connector.Descriptor {
	d := Descriptor(b.settings.Events)
	if b.name != "" {
		d.Name = b.name
	}
	return d
}

// Device returns the simulated model.
func (b *Binding) Device() *Device {
	return b.device
}

func (b *Binding) Connect(_ context.Context, _ config.Parameter, sink connector.Sink[model.Record]) error {
	ctx, cancel := context.WithCancel(context.Background())
	pending := make(chan model.Record, pendingCapacity)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		cancel()
		return errors.New("simulated: already connected")
	}
	b.cancel = cancel
	b.unwatch = b.device.Watch(func(changed model.Record) {
		if !b.wants(changed) {
			return
		}
		select {
		case pending <- b.device.Snapshot():
		default:
			b.logger.Warn().Msg("simulated: notification dropped, consumer too slow")
		}
	})

	b.wg.Add(1)
	go b.deliver(ctx, pending, sink)
	if b.settings.Events && !b.gen.empty() {
		b.wg.Add(1)
		go b.emit(ctx)
	}
	b.logger.Debug().Bool("events", b.settings.Events).Msg("simulated device connected")
	return nil
}

// wants reports whether a change is pushed: always in event mode, otherwise
// only for monitored names.
func (b *Binding) wants(changed model.Record) bool {
	if b.settings.Events {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name := range changed {
		if _, ok := b.monitored[name]; ok {
			return true
		}
	}
	return false
}

func (b *Binding) deliver(ctx context.Context, pending <-chan model.Record, sink connector.Sink[model.Record]) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-pending:
			err := sink.Received(rec, func() {
				if access := b.currentAccess(); access != nil {
					access.SetReadData(rec)
				}
			})
			if err != nil && !errors.Is(err, connector.ErrNotConnected) {
				b.logger.Debug().Err(err).Msg("simulated: notification rejected")
			}
		}
	}
}

func (b *Binding) emit(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.settings.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := b.gen.generate()
			if err != nil {
				b.logger.Error().Err(err).Msg("simulated: generate values")
				continue
			}
			b.device.Apply(rec)
		}
	}
}

func (b *Binding) currentAccess() *Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access
}

func (b *Binding) NewAccess(params config.Parameter) (model.Access, error) {
	access := &Access{device: b.device}
	access.RecordAccess = drivers.NewRecordAccess(params, b.now, model.WithMonitorHook(func(names []string) error {
		b.mu.Lock()
		for _, name := range names {
			b.monitored[name] = struct{}{}
		}
		b.mu.Unlock()
		return nil
	}))
	b.mu.Lock()
	b.access = access
	b.monitored = make(map[string]struct{})
	b.mu.Unlock()
	return access, nil
}

// Read generates fresh values for the configured signals and stages a snapshot.
func (b *Binding) Read(context.Context) (model.Record, bool, error) {
	access := b.currentAccess()
	if access == nil {
		return nil, false, connector.ErrNotConnected
	}
	if !b.gen.empty() {
		rec, err := b.gen.generate()
		if err != nil {
			return nil, false, err
		}
		b.device.Apply(rec)
	}
	snapshot := b.device.Snapshot()
	access.SetReadData(snapshot)
	return snapshot, true, nil
}

// Flush applies the outbound record to the device.
func (b *Binding) Flush(context.Context, any) error {
	access := b.currentAccess()
	if access == nil {
		return connector.ErrNotConnected
	}
	out, ok := access.TakeOutbound()
	if !ok {
		return nil
	}
	changes := make(model.Record, len(out.Fields)+len(out.Tags))
	for k, v := range out.Fields {
		changes[k] = v
	}
	for k, v := range out.Tags {
		changes[k] = v
	}
	b.device.Apply(changes)
	return nil
}

// Disconnect stops event generation and delivery without waiting for them.
func (b *Binding) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.cancel = nil
	b.unwatch()
	b.unwatch = nil
	return nil
}

func (b *Binding) Dispose() {
	_ = b.Disconnect(context.Background())
	b.wg.Wait()
	b.mu.Lock()
	b.access = nil
	b.mu.Unlock()
}

func (b *Binding) Query(_ context.Context, q trigger.Query) (trigger.Rows, error) {
	ts, ok := q.(trigger.TimeseriesQuery)
	if !ok {
		return nil, fmt.Errorf("simulated: %s queries: %w", q.Kind(), model.ErrUnsupported)
	}
	now := b.now()
	from, _ := ts.Start.Resolve(now)
	to, _ := ts.End.Resolve(now)
	return trigger.SliceRows(b.device.History(from, to)), nil
}

func (b *Binding) Stage(rec trigger.Record) (model.Record, error) {
	access := b.currentAccess()
	if access == nil {
		return nil, connector.ErrNotConnected
	}
	raw := model.Record(rec.Values).Clone()
	raw[model.FieldTime] = rec.Time
	access.SetReadData(raw)
	return raw, nil
}

func (b *Binding) Unstage() {
	if access := b.currentAccess(); access != nil {
		access.ReadCompleted()
	}
}
