package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/timzifer/coupler/config"
)

// Record is one inbound snapshot keyed by resolved field name.
type Record map[string]interface{}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Time returns the index timestamp stored under FieldTime.
func (r Record) Time() (time.Time, bool) {
	switch v := r[FieldTime].(type) {
	case time.Time:
		return v, true
	case int64:
		return time.UnixMilli(v), true
	default:
		return time.Time{}, false
	}
}

// Names returns the sorted field names without the index field.
func (r Record) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		if k == FieldTime {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// OutboundRecord is the record built by input translators before a flush.
type OutboundRecord struct {
	Fields  map[string]interface{}
	Tags    map[string]string
	Time    int64
	HasTime bool
}

// Empty reports whether nothing was written.
func (o OutboundRecord) Empty() bool {
	return len(o.Fields) == 0 && len(o.Tags) == 0 && !o.HasTime
}

// RecordAccess is a map backed Access for record oriented backends. Reads see
// the last staged inbound record, writes accumulate into one outbound record.
type RecordAccess struct {
	*Base

	tags        map[string]struct{}
	timeBase    TimeBase
	monitorHook func(names []string) error

	read      Record
	write     *OutboundRecord
	monitored []string
}

// RecordOption customises a RecordAccess.
type RecordOption func(*RecordAccess)

// WithTags marks names whose string values are written as tags.
func WithTags(names ...string) RecordOption {
	return func(a *RecordAccess) {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name != "" {
				a.tags[name] = struct{}{}
			}
		}
	}
}

func WithTimeBase(tb TimeBase) RecordOption {
	return func(a *RecordAccess) { a.timeBase = tb }
}

// WithMonitorHook installs the function invoked with resolved names on Monitor.
func WithMonitorHook(fn func(names []string) error) RecordOption {
	return func(a *RecordAccess) { a.monitorHook = fn }
}

func WithConverters(in InputConverter, out OutputConverter) RecordOption {
	return func(a *RecordAccess) {
		WithInputConverter(in)(a.Base)
		WithOutputConverter(out)(a.Base)
	}
}

// NewRecordAccess builds a RecordAccess that widens outbound numbers.
func NewRecordAccess(separator string, params config.Parameter, opts ...RecordOption) *RecordAccess {
	a := &RecordAccess{
		Base: NewBase(separator, params, WithOutputConverter(WideningOutput{})),
		tags: make(map[string]struct{}),
	}
	a.Base.Bind(a)
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *RecordAccess) Get(qName string) (interface{}, error) {
	if a.read == nil {
		return nil, ErrNoData
	}
	key := a.Resolve(qName)
	v, ok := a.read[key]
	if !ok {
		return nil, unknownName(key)
	}
	return v, nil
}

func (a *RecordAccess) Set(qName string, value interface{}) error {
	return a.setResolved(qName, a.Resolve(qName), value)
}

func (a *RecordAccess) setResolved(qName, key string, value interface{}) error {
	out := a.outbound()
	if s, ok := value.(string); ok && a.isTag(qName, key) {
		out.Tags[key] = s
		return nil
	}
	out.Fields[key] = value
	return nil
}

func (a *RecordAccess) isTag(qName, key string) bool {
	if _, ok := a.tags[key]; ok {
		return true
	}
	_, ok := a.tags[qName]
	return ok
}

func (a *RecordAccess) outbound() *OutboundRecord {
	if a.write == nil {
		a.write = &OutboundRecord{Fields: make(map[string]interface{}), Tags: make(map[string]string)}
	}
	return a.write
}

// SetReadData stages an inbound record.
func (a *RecordAccess) SetReadData(r Record) {
	if r == nil {
		r = Record{}
	}
	a.read = r
}

// ReadData returns the staged inbound record.
func (a *RecordAccess) ReadData() Record {
	return a.read
}

func (a *RecordAccess) HasData() bool {
	return a.read != nil
}

// ReadCompleted drops the staged inbound record.
func (a *RecordAccess) ReadCompleted() {
	a.read = nil
}

// TakeOutbound returns and clears the pending outbound record.
func (a *RecordAccess) TakeOutbound() (OutboundRecord, bool) {
	if a.write == nil {
		return OutboundRecord{}, false
	}
	out := *a.write
	a.write = nil
	return out, !out.Empty()
}

func (a *RecordAccess) ClearOutbound() {
	a.write = nil
}

func (a *RecordAccess) indexKey(qName string) string {
	if qName == FieldTime || qName == "" {
		return FieldTime
	}
	return a.Resolve(qName)
}

func (a *RecordAccess) GetLongIndex(qName string) (int64, error) {
	if a.read == nil {
		return 0, ErrNoData
	}
	key := a.indexKey(qName)
	v, ok := a.read[key]
	if !ok {
		return 0, unknownName(key)
	}
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli(), nil
	}
	return a.InputConverter().ToLong(v)
}

func (a *RecordAccess) GetFloatIndex(qName string) (float32, error) {
	ms, err := a.GetLongIndex(qName)
	if err != nil {
		return 0, err
	}
	return a.timeBase.FromTimestamp(ms), nil
}

func (a *RecordAccess) SetLongIndex(qName string, v int64) error {
	key := a.indexKey(qName)
	out := a.outbound()
	if key == FieldTime {
		out.Time = v
		out.HasTime = true
		return nil
	}
	out.Fields[key] = v
	return nil
}

func (a *RecordAccess) SetFloatIndex(qName string, v float32) error {
	return a.SetLongIndex(qName, a.timeBase.ToTimestamp(v))
}

func (a *RecordAccess) TimeBase() TimeBase {
	return a.timeBase
}

func (a *RecordAccess) Monitor(qNames ...string) error {
	resolved := make([]string, 0, len(qNames))
	for _, name := range qNames {
		resolved = append(resolved, a.Resolve(name))
	}
	if a.monitorHook != nil {
		if err := a.monitorHook(resolved); err != nil {
			return err
		}
	}
	a.monitored = append(a.monitored, resolved...)
	return nil
}

// Monitored returns every name registered through Monitor.
func (a *RecordAccess) Monitored() []string {
	return append([]string(nil), a.monitored...)
}

// GetStruct decodes all fields below qName into target using their relative names.
func (a *RecordAccess) GetStruct(qName string, target interface{}) error {
	if a.read == nil {
		return ErrNoData
	}
	prefix := a.Resolve(qName) + a.QSeparator()
	values := make(map[string]interface{})
	for k, v := range a.read {
		if strings.HasPrefix(k, prefix) {
			values[strings.TrimPrefix(k, prefix)] = v
		}
	}
	if len(values) == 0 {
		return unknownName(a.Resolve(qName))
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("get struct %s: %w", qName, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &ConversionError{Value: values, Target: fmt.Sprintf("%T", target), Reason: err.Error()}
	}
	return nil
}

// SetStruct writes the exported fields of value below qName.
func (a *RecordAccess) SetStruct(qName string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set struct %s: %w", qName, err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &ConversionError{Value: value, Target: "struct", Reason: err.Error()}
	}
	prefix := a.Resolve(qName) + a.QSeparator()
	for k, v := range fields {
		if err := a.setResolved(k, prefix+k, v); err != nil {
			return err
		}
	}
	return nil
}

func (a *RecordAccess) Dispose() {
	a.Base.Dispose()
	a.read = nil
	a.write = nil
	a.monitored = nil
}
