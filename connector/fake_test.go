package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timzifer/coupler/adapter"
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

type part struct {
	LotSize int32
}

type tool struct {
	Wear float32
}

// fakeBinding is an in-memory backend whose data can be changed by tests.
type fakeBinding struct {
	desc Descriptor

	mu         sync.Mutex
	data       model.Record
	connectErr error
	flushErr   error
	flushed    []model.OutboundRecord
	rows       []trigger.Row
	sink       Sink[model.Record]

	access       *model.RecordAccess
	readDelay    time.Duration
	reads        atomic.Int32
	inFlight     atomic.Int32
	disconnects  atomic.Int32
	disposed     atomic.Bool
	monitorCalls atomic.Int32
}

func newFakeBinding(events bool) *fakeBinding {
	return &fakeBinding{
		desc: Descriptor{
			Name:         "fake",
			Driver:       "fake",
			Capabilities: Capabilities{Events: events},
			Queries:      []trigger.Kind{trigger.KindTimeseries},
		},
		data: model.Record{},
	}
}

func (f *fakeBinding) set(name string, v interface{}) {
	f.mu.Lock()
	f.data[name] = v
	f.mu.Unlock()
}

func (f *fakeBinding) Descriptor() Descriptor { return f.desc }

func (f *fakeBinding) Connect(_ context.Context, _ config.Parameter, sink Sink[model.Record]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.sink = sink
	return nil
}

func (f *fakeBinding) NewAccess(params config.Parameter) (model.Access, error) {
	f.access = model.NewRecordAccess("_", params, model.WithMonitorHook(func([]string) error {
		f.monitorCalls.Add(1)
		return nil
	}))
	return f.access, nil
}

func (f *fakeBinding) Read(context.Context) (model.Record, bool, error) {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	f.reads.Add(1)
	if f.readDelay > 0 {
		time.Sleep(f.readDelay)
	}
	f.mu.Lock()
	snapshot := f.data.Clone()
	f.mu.Unlock()
	f.access.SetReadData(snapshot)
	return snapshot, true, nil
}

func (f *fakeBinding) Flush(context.Context, any) error {
	out, _ := f.access.TakeOutbound()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushed = append(f.flushed, out)
	return nil
}

func (f *fakeBinding) Disconnect(context.Context) error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeBinding) Dispose() { f.disposed.Store(true) }

func (f *fakeBinding) Query(_ context.Context, q trigger.Query) (trigger.Rows, error) {
	if _, ok := q.(trigger.TimeseriesQuery); !ok {
		return nil, errors.New("unsupported query")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return trigger.SliceRows(append([]trigger.Row(nil), f.rows...)), nil
}

func (f *fakeBinding) Stage(rec trigger.Record) (model.Record, error) {
	r := model.Record(rec.Values).Clone()
	r[model.FieldTime] = rec.Time
	f.access.SetReadData(r)
	return r, nil
}

func (f *fakeBinding) Unstage() { f.access.ReadCompleted() }

// push delivers a record through the notification entry point.
func (f *fakeBinding) push(rec model.Record) error {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	return sink.Received(rec, func() { f.access.SetReadData(rec) })
}

type fakeConnector = Connector[model.Record, any, any, any]

func partAdapter() adapter.ProtocolAdapter[model.Record, any, any, any] {
	return adapter.NewTranslating[model.Record, any, any, any](
		"part",
		adapter.OutputFunc[model.Record, any](func(_ model.Record, access model.Access) (any, error) {
			n, err := access.GetInt("lotSize")
			if err != nil {
				return nil, err
			}
			return part{LotSize: n}, nil
		}),
		"part",
		adapter.InputFunc[any, any](func(value any, access model.Access) (any, error) {
			p, ok := value.(part)
			if !ok {
				return nil, errors.New("not a part")
			}
			if p.LotSize < 0 {
				return nil, errors.New("negative lot size")
			}
			return nil, access.SetInt("lotSize", p.LotSize)
		}),
		nil,
	)
}

func toolAdapter() adapter.ProtocolAdapter[model.Record, any, any, any] {
	return adapter.NewTranslating[model.Record, any, any, any](
		"tool",
		adapter.OutputFunc[model.Record, any](func(_ model.Record, access model.Access) (any, error) {
			w, err := access.GetFloat("wear")
			if err != nil {
				return nil, err
			}
			return tool{Wear: w}, nil
		}),
		"tool",
		nil,
		nil,
	)
}

func newFakeConnector(b *fakeBinding, opts ...Option) *fakeConnector {
	c, err := New[model.Record, any, any, any](b, nil, []adapter.ProtocolAdapter[model.Record, any, any, any]{partAdapter()}, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func params(interval time.Duration) config.Parameter {
	return config.NewParameter("localhost", 0, config.WithNotificationInterval(interval))
}

func (c *Connector[O, I, CO, CI]) polling() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.poll != nil
}
