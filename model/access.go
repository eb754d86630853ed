// Package model defines the path addressed view a connector has onto its backend.
package model

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/timzifer/coupler/config"
)

// Access is the backend facing data interface used by protocol adapters.
// Implementations are not safe for concurrent use; the owning connector
// serialises every call.
type Access interface {
	QSeparator() string
	// QName joins names with the separator without applying the nesting prefix.
	QName(names ...string) string

	Get(qName string) (interface{}, error)
	Set(qName string, value interface{}) error

	SetByte(qName string, v int8) error
	SetShort(qName string, v int16) error
	SetInt(qName string, v int32) error
	SetLong(qName string, v int64) error
	SetFloat(qName string, v float32) error
	SetDouble(qName string, v float64) error
	SetBoolean(qName string, v bool) error
	SetString(qName string, v string) error
	SetDecimal(qName string, v decimal.Decimal) error

	GetByte(qName string) (int8, error)
	GetShort(qName string) (int16, error)
	GetInt(qName string) (int32, error)
	GetLong(qName string) (int64, error)
	GetFloat(qName string) (float32, error)
	GetDouble(qName string) (float64, error)
	GetBoolean(qName string) (bool, error)
	GetString(qName string) (string, error)
	GetDecimal(qName string) (decimal.Decimal, error)

	Call(qName string, args ...interface{}) (interface{}, error)
	GetStruct(qName string, target interface{}) error
	SetStruct(qName string, value interface{}) error

	StepInto(name string) error
	StepOut() error

	Monitor(qNames ...string) error
	UseNotifications(enabled bool)
	Notifications() bool

	GetLongIndex(qName string) (int64, error)
	GetFloatIndex(qName string) (float32, error)
	SetLongIndex(qName string, v int64) error
	SetFloatIndex(qName string, v float32) error

	InputConverter() InputConverter
	OutputConverter() OutputConverter
	Parameter() config.Parameter
	Dispose()
}

// NotificationSource is implemented by accesses that report notification mode changes.
type NotificationSource interface {
	SetNotificationListener(fn func(enabled bool))
}

// OutboundClearer is implemented by accesses that buffer an outbound record.
type OutboundClearer interface {
	ClearOutbound()
}

// ValueStore is the untyped read/write pair a concrete access provides to Base.
type ValueStore interface {
	Get(qName string) (interface{}, error)
	Set(qName string, value interface{}) error
}

// Base implements the backend independent parts of Access. Concrete
// accesses embed it, call Bind with themselves and override what they support.
type Base struct {
	separator string
	nesting   *Nesting
	input     InputConverter
	output    OutputConverter
	params    config.Parameter
	store     ValueStore

	notifications atomic.Bool
	listenerMu    sync.Mutex
	listener      func(bool)
}

// BaseOption customises a Base.
type BaseOption func(*Base)

func WithInputConverter(c InputConverter) BaseOption {
	return func(b *Base) {
		if c != nil {
			b.input = c
		}
	}
}

func WithOutputConverter(c OutputConverter) BaseOption {
	return func(b *Base) {
		if c != nil {
			b.output = c
		}
	}
}

// NewBase creates a Base with narrowing input and native output conversion.
func NewBase(separator string, params config.Parameter, opts ...BaseOption) *Base {
	b := &Base{
		separator: separator,
		nesting:   NewNesting(separator),
		input:     NarrowingInput{},
		output:    NativeOutput{},
		params:    params,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Bind sets the store typed accessors delegate to.
func (b *Base) Bind(store ValueStore) {
	b.store = store
}

func (b *Base) QSeparator() string {
	return b.separator
}

func (b *Base) QName(names ...string) string {
	return strings.Join(names, b.separator)
}

// Resolve qualifies qName with the current nesting prefix.
func (b *Base) Resolve(qName string) string {
	return b.nesting.Resolve(qName)
}

func (b *Base) Depth() int {
	return b.nesting.Depth()
}

func (b *Base) StepInto(name string) error {
	if name == "" || (b.separator != "" && strings.Contains(name, b.separator)) {
		return fmt.Errorf("%w: invalid segment %q", ErrNesting, name)
	}
	b.nesting.Push(name)
	return nil
}

// StepOut leaves the innermost scope. At the root it does nothing.
func (b *Base) StepOut() error {
	b.nesting.Pop()
	return nil
}

func (b *Base) InputConverter() InputConverter {
	return b.input
}

func (b *Base) OutputConverter() OutputConverter {
	return b.output
}

func (b *Base) Parameter() config.Parameter {
	return b.params
}

func (b *Base) UseNotifications(enabled bool) {
	if b.notifications.Swap(enabled) == enabled {
		return
	}
	b.listenerMu.Lock()
	fn := b.listener
	b.listenerMu.Unlock()
	if fn != nil {
		fn(enabled)
	}
}

func (b *Base) Notifications() bool {
	return b.notifications.Load()
}

func (b *Base) SetNotificationListener(fn func(enabled bool)) {
	b.listenerMu.Lock()
	b.listener = fn
	b.listenerMu.Unlock()
}

func (b *Base) Monitor(qNames ...string) error {
	return fmt.Errorf("monitor: %w", ErrUnsupported)
}

func (b *Base) Call(qName string, args ...interface{}) (interface{}, error) {
	return nil, fmt.Errorf("call %s: %w", qName, ErrUnsupported)
}

func (b *Base) GetStruct(qName string, target interface{}) error {
	return fmt.Errorf("get struct %s: %w", qName, ErrUnsupported)
}

func (b *Base) SetStruct(qName string, value interface{}) error {
	return fmt.Errorf("set struct %s: %w", qName, ErrUnsupported)
}

func (b *Base) GetLongIndex(qName string) (int64, error) {
	return 0, fmt.Errorf("index %s: %w", qName, ErrUnsupported)
}

func (b *Base) GetFloatIndex(qName string) (float32, error) {
	return 0, fmt.Errorf("index %s: %w", qName, ErrUnsupported)
}

func (b *Base) SetLongIndex(qName string, v int64) error {
	return fmt.Errorf("index %s: %w", qName, ErrUnsupported)
}

func (b *Base) SetFloatIndex(qName string, v float32) error {
	return fmt.Errorf("index %s: %w", qName, ErrUnsupported)
}

// Dispose drops the listener and resets the nesting.
func (b *Base) Dispose() {
	b.SetNotificationListener(nil)
	b.nesting.Reset()
}

func (b *Base) set(qName string, value interface{}) error {
	if b.store == nil {
		return fmt.Errorf("set %s: %w", qName, ErrUnsupported)
	}
	return b.store.Set(qName, value)
}

func (b *Base) get(qName string) (interface{}, error) {
	if b.store == nil {
		return nil, fmt.Errorf("get %s: %w", qName, ErrUnsupported)
	}
	return b.store.Get(qName)
}

func (b *Base) SetByte(qName string, v int8) error   { return b.set(qName, b.output.FromByte(v)) }
func (b *Base) SetShort(qName string, v int16) error { return b.set(qName, b.output.FromShort(v)) }
func (b *Base) SetInt(qName string, v int32) error   { return b.set(qName, b.output.FromInt(v)) }
func (b *Base) SetLong(qName string, v int64) error  { return b.set(qName, b.output.FromLong(v)) }
func (b *Base) SetFloat(qName string, v float32) error {
	return b.set(qName, b.output.FromFloat(v))
}
func (b *Base) SetDouble(qName string, v float64) error {
	return b.set(qName, b.output.FromDouble(v))
}
func (b *Base) SetBoolean(qName string, v bool) error {
	return b.set(qName, b.output.FromBoolean(v))
}
func (b *Base) SetString(qName string, v string) error {
	return b.set(qName, b.output.FromString(v))
}
func (b *Base) SetDecimal(qName string, v decimal.Decimal) error {
	return b.set(qName, b.output.FromDecimal(v))
}

func (b *Base) GetByte(qName string) (int8, error) {
	v, err := b.get(qName)
	if err != nil {
		return 0, err
	}
	return b.input.ToByte(v)
}

func (b *Base) GetShort(qName string) (int16, error) {
	v, err := b.get(qName)
	if err != nil {
		return 0, err
	}
	return b.input.ToShort(v)
}

func (b *Base) GetInt(qName string) (int32, error) {
	v, err := b.get(qName)
	if err != nil {
		return 0, err
	}
	return b.input.ToInt(v)
}

func (b *Base) GetLong(qName string) (int64, error) {
	v, err := b.get(qName)
	if err != nil {
		return 0, err
	}
	return b.input.ToLong(v)
}

func (b *Base) GetFloat(qName string) (float32, error) {
	v, err := b.get(qName)
	if err != nil {
		return 0, err
	}
	return b.input.ToFloat(v)
}

func (b *Base) GetDouble(qName string) (float64, error) {
	v, err := b.get(qName)
	if err != nil {
		return 0, err
	}
	return b.input.ToDouble(v)
}

func (b *Base) GetBoolean(qName string) (bool, error) {
	v, err := b.get(qName)
	if err != nil {
		return false, err
	}
	return b.input.ToBoolean(v)
}

func (b *Base) GetString(qName string) (string, error) {
	v, err := b.get(qName)
	if err != nil {
		return "", err
	}
	return b.input.ToString(v)
}

func (b *Base) GetDecimal(qName string) (decimal.Decimal, error) {
	v, err := b.get(qName)
	if err != nil {
		return decimal.Zero, err
	}
	return b.input.ToDecimal(v)
}
