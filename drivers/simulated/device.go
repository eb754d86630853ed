package simulated

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// ErrUnknownOperation is returned by Call for operations never registered.
var ErrUnknownOperation = errors.New("simulated: unknown operation")

// Operation is a callable device function.
type Operation func(d *Device, args ...interface{}) (interface{}, error)

// Device is a mutable in-memory model that remembers its changes.
type Device struct {
	mu       sync.Mutex
	values   model.Record
	history  []trigger.Row
	limit    int
	ops      map[string]Operation
	watchers map[uint64]func(changed model.Record)
	next     uint64
	now      func() time.Time
}

// NewDevice creates a device keeping at most limit history rows. The
// operations "reset" and "increment" are registered.
func NewDevice(limit int, now func() time.Time) *Device {
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = DefaultHistory
	}
	d := &Device{
		values:   model.Record{},
		limit:    limit,
		ops:      make(map[string]Operation),
		watchers: make(map[uint64]func(model.Record)),
		now:      now,
	}
	d.Handle("reset", resetOp)
	d.Handle("increment", incrementOp)
	return d
}

// Set changes one value.
func (d *Device) Set(name string, value interface{}) {
	d.Apply(model.Record{name: value})
}

// Apply changes several values at once and notifies watchers with the change set.
func (d *Device) Apply(changes model.Record) {
	if len(changes) == 0 {
		return
	}
	d.mu.Lock()
	at := d.now()
	names := changes.Names()
	for _, name := range names {
		d.values[name] = changes[name]
		d.history = append(d.history, trigger.Row{Time: at, Field: name, Value: changes[name]})
	}
	if over := len(d.history) - d.limit; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
	changed := changes.Clone()
	changed[model.FieldTime] = at
	watchers := d.watcherList()
	d.mu.Unlock()

	for _, fn := range watchers {
		fn(changed)
	}
}

func (d *Device) watcherList() []func(model.Record) {
	ids := make([]uint64, 0, len(d.watchers))
	for id := range d.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(model.Record), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.watchers[id])
	}
	return out
}

func (d *Device) Get(name string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[name]
	return v, ok
}

// Snapshot returns the current values stamped with the current time.
func (d *Device) Snapshot() model.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.values.Clone()
	rec[model.FieldTime] = d.now()
	return rec
}

// Watch registers fn for every change and returns a function removing it.
// fn runs on the goroutine that changed the device.
func (d *Device) Watch(fn func(changed model.Record)) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.watchers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.watchers, id)
		d.mu.Unlock()
	}
}

// Handle registers an operation under name.
func (d *Device) Handle(name string, op Operation) {
	d.mu.Lock()
	d.ops[name] = op
	d.mu.Unlock()
}

// Call invokes a registered operation.
func (d *Device) Call(name string, args ...interface{}) (interface{}, error) {
	d.mu.Lock()
	op, ok := d.ops[name]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op(d, args...)
}

// History returns the changes in [from, to], oldest first. Zero bounds are open.
func (d *Device) History(from, to time.Time) []trigger.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rows []trigger.Row
	for _, row := range d.history {
		if !from.IsZero() && row.Time.Before(from) {
			continue
		}
		if !to.IsZero() && row.Time.After(to) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func resetOp(d *Device, _ ...interface{}) (interface{}, error) {
	d.mu.Lock()
	n := len(d.values)
	d.values = model.Record{}
	d.mu.Unlock()
	return n, nil
}

// incrementOp adds args[1] (default 1) to the numeric value args[0].
func incrementOp(d *Device, args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("increment: name required")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("increment: name must be a string, got %T", args[0])
	}
	delta := decimal.NewFromInt(1)
	if len(args) > 1 {
		dv, err := model.NarrowingInput{}.ToDecimal(args[1])
		if err != nil {
			return nil, fmt.Errorf("increment: %w", err)
		}
		delta = dv
	}
	current, _ := d.Get(name)
	var sum decimal.Decimal
	if current != nil {
		cv, err := model.NarrowingInput{}.ToDecimal(current)
		if err != nil {
			return nil, fmt.Errorf("increment %s: %w", name, err)
		}
		sum = cv.Add(delta)
	} else {
		sum = delta
	}
	var next interface{}
	if sum.IsInteger() {
		next = sum.IntPart()
	} else {
		next, _ = sum.Float64()
	}
	d.Set(name, next)
	return next, nil
}
