package adapter

import (
	"fmt"

	"github.com/timzifer/coupler/model"
)

// RecordTypeID is the default type of records produced by RecordAdapter.
const RecordTypeID TypeID = "record"

// RecordAdapter maps acquired fields onto a model.Record and back. It serves
// configuration driven connectors that have no compiled domain type.
type RecordAdapter struct {
	typeID TypeID
	fields []string
}

// NewRecordAdapter reads the listed fields, or every field of the raw record when empty.
func NewRecordAdapter(typeID TypeID, fields ...string) *RecordAdapter {
	if typeID == "" {
		typeID = RecordTypeID
	}
	return &RecordAdapter{typeID: typeID, fields: append([]string(nil), fields...)}
}

func (a *RecordAdapter) AdaptOutput(raw model.Record, access model.Access) (model.Record, error) {
	names := a.fields
	if len(names) == 0 {
		names = raw.Names()
	}
	out := make(model.Record, len(names)+1)
	for _, name := range names {
		v, err := access.Get(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out[name] = v
	}
	if ms, err := access.GetLongIndex(model.FieldTime); err == nil {
		out[model.FieldTime] = ms
	}
	return out, nil
}

func (a *RecordAdapter) AdaptInput(value model.Record, access model.Access) (any, error) {
	for _, name := range value.Names() {
		if err := access.Set(name, value[name]); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if raw, ok := value[model.FieldTime]; ok {
		ms, err := access.InputConverter().ToLong(raw)
		if err != nil {
			return nil, fmt.Errorf("write index: %w", err)
		}
		if err := access.SetLongIndex(model.FieldTime, ms); err != nil {
			return nil, fmt.Errorf("write index: %w", err)
		}
	}
	return nil, nil
}

// InitializeModelAccess monitors the configured fields when the access runs in notification mode.
func (a *RecordAdapter) InitializeModelAccess(access model.Access) error {
	if !access.Notifications() || len(a.fields) == 0 {
		return nil
	}
	return access.Monitor(a.fields...)
}

func (a *RecordAdapter) OutputType() TypeID {
	return a.typeID
}

func (a *RecordAdapter) InputType() TypeID {
	return a.typeID
}

// Fields returns the configured field list.
func (a *RecordAdapter) Fields() []string {
	return append([]string(nil), a.fields...)
}
