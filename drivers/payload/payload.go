// Package payload converts broker message bodies to records and back.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timzifer/coupler/model"
)

// DefaultTimeField carries the record time in encoded objects.
const DefaultTimeField = "ts"

var (
	ErrUnsupportedEncoding = errors.New("payload: unsupported encoding")
	ErrUnsupportedType     = errors.New("payload: unsupported value type")
)

// Conversion defines how payloads are encoded or decoded.
type Conversion struct {
	Encoding  string `yaml:"encoding,omitempty"`
	ValueType string `yaml:"value_type,omitempty"`
	// Path selects a nested value with dot separated keys.
	Path string `yaml:"path,omitempty"`
	// TimeField names the key holding epoch milliseconds. Defaults to DefaultTimeField.
	TimeField string `yaml:"time_field,omitempty"`
	// ValueField is the record name used for payloads that are not objects.
	ValueField string `yaml:"value_field,omitempty"`
}

func (c Conversion) timeField() string {
	if c.TimeField == "" {
		return DefaultTimeField
	}
	return c.TimeField
}

func (c Conversion) valueField() string {
	if c.ValueField == "" {
		return "value"
	}
	return c.ValueField
}

// Decode decodes a raw payload into a Go value.
func Decode(cfg Conversion, payload []byte) (any, error) {
	switch strings.ToLower(cfg.Encoding) {
	case "json", "":
		return decodeJSON(cfg, payload)
	case "string":
		return coerceType(cfg.ValueType, string(payload))
	case "bytes", "binary":
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, cfg.Encoding)
	}
}

func decodeJSON(cfg Conversion, payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		// Plain text numbers and booleans are common on brokers.
		if cfg.ValueType == "" {
			return nil, fmt.Errorf("payload: decode json: %w", err)
		}
		return coerceType(cfg.ValueType, strings.TrimSpace(string(payload)))
	}
	value = normalize(value)

	if cfg.Path != "" {
		current := value
		for _, segment := range strings.Split(cfg.Path, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("payload: path %s not present", cfg.Path)
			}
			current = m[segment]
		}
		value = current
	}
	return coerceType(cfg.ValueType, value)
}

// normalize turns json.Number into int64 where integral and float64 otherwise.
func normalize(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case map[string]any:
		for k, field := range v {
			v[k] = normalize(field)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalize(item)
		}
		return v
	default:
		return value
	}
}

func coerceType(kind string, value any) (any, error) {
	switch strings.ToLower(kind) {
	case "", "any":
		return value, nil
	case "float", "double", "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(v, 64)
		}
		return nil, fmt.Errorf("payload: cannot convert %T to float", value)
	case "int", "integer":
		switch v := value.(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
		return nil, fmt.Errorf("payload: cannot convert %T to integer", value)
	case "bool", "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		}
		return nil, fmt.Errorf("payload: cannot convert %T to boolean", value)
	case "string", "text":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
	}
}

// DecodeRecord decodes a payload into a record. Nested objects are flattened
// into qualified names joined by separator and placed below prefix. A scalar
// payload is stored under prefix, or under the value field without one. A top
// level time field becomes the record index.
func DecodeRecord(cfg Conversion, separator, prefix string, body []byte) (model.Record, error) {
	value, err := Decode(cfg, body)
	if err != nil {
		return nil, err
	}
	rec := model.Record{}
	obj, ok := value.(map[string]any)
	if !ok {
		name := prefix
		if name == "" {
			name = cfg.valueField()
		}
		rec[name] = value
		return rec, nil
	}
	if raw, found := obj[cfg.timeField()]; found {
		if ms, ok := raw.(int64); ok {
			rec[model.FieldTime] = time.UnixMilli(ms)
			delete(obj, cfg.timeField())
		}
	}
	flatten(rec, prefix, separator, obj)
	return rec, nil
}

func flatten(dst model.Record, prefix, separator string, obj map[string]any) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + separator + k
		}
		if nested, ok := v.(map[string]any); ok && separator != "" {
			flatten(dst, name, separator, nested)
			continue
		}
		dst[name] = v
	}
}

// Encode encodes a Go value for an outbound message.
func Encode(cfg Conversion, value any) ([]byte, error) {
	switch strings.ToLower(cfg.Encoding) {
	case "json", "":
		if cfg.ValueType == "string" {
			return json.Marshal(fmt.Sprint(value))
		}
		return json.Marshal(value)
	case "string":
		return []byte(fmt.Sprint(value)), nil
	case "bytes", "binary":
		if b, ok := value.([]byte); ok {
			return b, nil
		}
		return nil, fmt.Errorf("payload: value is not []byte, got %T", value)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, cfg.Encoding)
	}
}

// EncodeRecord renders an outbound record as one flat object holding fields,
// tags and, when set, the time field.
func EncodeRecord(cfg Conversion, out model.OutboundRecord) ([]byte, error) {
	obj := make(map[string]any, len(out.Fields)+len(out.Tags)+1)
	for k, v := range out.Fields {
		obj[k] = v
	}
	for k, v := range out.Tags {
		obj[k] = v
	}
	if out.HasTime {
		obj[cfg.timeField()] = out.Time
	}
	if strings.ToLower(cfg.Encoding) == "string" {
		return []byte(renderLine(obj)), nil
	}
	return json.Marshal(obj)
}

// renderLine writes key=value pairs sorted by key.
func renderLine(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, obj[k]))
	}
	return strings.Join(parts, " ")
}
