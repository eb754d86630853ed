package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// InputConverter turns backend values into the typed values read by adapters.
type InputConverter interface {
	ToByte(v interface{}) (int8, error)
	ToShort(v interface{}) (int16, error)
	ToInt(v interface{}) (int32, error)
	ToLong(v interface{}) (int64, error)
	ToFloat(v interface{}) (float32, error)
	ToDouble(v interface{}) (float64, error)
	ToBoolean(v interface{}) (bool, error)
	ToString(v interface{}) (string, error)
	ToDecimal(v interface{}) (decimal.Decimal, error)
}

// OutputConverter turns typed values into the representation a backend stores.
type OutputConverter interface {
	FromByte(v int8) interface{}
	FromShort(v int16) interface{}
	FromInt(v int32) interface{}
	FromLong(v int64) interface{}
	FromFloat(v float32) interface{}
	FromDouble(v float64) interface{}
	FromBoolean(v bool) interface{}
	FromString(v string) interface{}
	FromDecimal(v decimal.Decimal) interface{}
}

// NarrowingInput converts wide backend values (int64, float64, strings, JSON
// numbers) into narrower Go types. Out of range values fail with a
// *ConversionError unless Wrap is set, in which case they are truncated.
type NarrowingInput struct {
	Wrap bool
}

func (c NarrowingInput) ToLong(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, conversionError(v, "int64", "nil value")
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return c.fromUnsigned(uint64(n), v)
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return c.fromUnsigned(n, v)
	case float32:
		return c.fromFloat(float64(n), v)
	case float64:
		return c.fromFloat(n, v)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, conversionError(v, "int64", err.Error())
		}
		return c.fromFloat(f, v)
	case decimal.Decimal:
		if !n.IsInteger() {
			return 0, conversionError(v, "int64", "fractional value")
		}
		if !c.Wrap && (n.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || n.LessThan(decimal.NewFromInt(math.MinInt64))) {
			return 0, conversionError(v, "int64", "out of range")
		}
		return n.IntPart(), nil
	case string:
		trimmed := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, conversionError(v, "int64", "not a number")
		}
		return c.fromFloat(f, v)
	default:
		return 0, conversionError(v, "int64", "unsupported type")
	}
}

func (c NarrowingInput) fromUnsigned(n uint64, orig interface{}) (int64, error) {
	if n > math.MaxInt64 && !c.Wrap {
		return 0, conversionError(orig, "int64", "out of range")
	}
	return int64(n), nil
}

func (c NarrowingInput) fromFloat(f float64, orig interface{}) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, conversionError(orig, "int64", "not an integral value")
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		if !c.Wrap {
			return 0, conversionError(orig, "int64", "out of range")
		}
	}
	return int64(f), nil
}

func (c NarrowingInput) narrow(v interface{}, target string, min, max int64) (int64, error) {
	n, err := c.ToLong(v)
	if err != nil {
		if ce, ok := err.(*ConversionError); ok {
			ce.Target = target
		}
		return 0, err
	}
	if !c.Wrap && (n < min || n > max) {
		return 0, conversionError(v, target, "out of range")
	}
	return n, nil
}

func (c NarrowingInput) ToByte(v interface{}) (int8, error) {
	n, err := c.narrow(v, "int8", math.MinInt8, math.MaxInt8)
	return int8(n), err
}

func (c NarrowingInput) ToShort(v interface{}) (int16, error) {
	n, err := c.narrow(v, "int16", math.MinInt16, math.MaxInt16)
	return int16(n), err
}

func (c NarrowingInput) ToInt(v interface{}) (int32, error) {
	n, err := c.narrow(v, "int32", math.MinInt32, math.MaxInt32)
	return int32(n), err
}

func (c NarrowingInput) ToDouble(v interface{}) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, conversionError(v, "float64", "nil value")
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, conversionError(v, "float64", err.Error())
		}
		return f, nil
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, conversionError(v, "float64", "not a number")
		}
		return f, nil
	default:
		return 0, conversionError(v, "float64", "unsupported type")
	}
}

func (c NarrowingInput) ToFloat(v interface{}) (float32, error) {
	f, err := c.ToDouble(v)
	if err != nil {
		if ce, ok := err.(*ConversionError); ok {
			ce.Target = "float32"
		}
		return 0, err
	}
	if !c.Wrap && !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return 0, conversionError(v, "float32", "out of range")
	}
	return float32(f), nil
}

func (c NarrowingInput) ToBoolean(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, conversionError(v, "bool", "not a boolean")
		}
		return parsed, nil
	case nil:
		return false, conversionError(v, "bool", "nil value")
	}
	f, err := c.ToDouble(v)
	if err != nil {
		return false, conversionError(v, "bool", "unsupported type")
	}
	return f != 0, nil
}

func (c NarrowingInput) ToString(v interface{}) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", conversionError(v, "string", "nil value")
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (c NarrowingInput) ToDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, conversionError(v, "decimal", "not a number")
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, conversionError(v, "decimal", err.Error())
		}
		return d, nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, conversionError(v, "decimal", "not finite")
		}
		return decimal.NewFromFloat(n), nil
	}
	i, err := c.ToLong(v)
	if err != nil {
		return decimal.Zero, conversionError(v, "decimal", "unsupported type")
	}
	return decimal.NewFromInt(i), nil
}

// WideningOutput stores every integer as int64 and every real as float64.
type WideningOutput struct{}

func (WideningOutput) FromByte(v int8) interface{}               { return int64(v) }
func (WideningOutput) FromShort(v int16) interface{}             { return int64(v) }
func (WideningOutput) FromInt(v int32) interface{}               { return int64(v) }
func (WideningOutput) FromLong(v int64) interface{}              { return v }
func (WideningOutput) FromFloat(v float32) interface{}           { return float64(v) }
func (WideningOutput) FromDouble(v float64) interface{}          { return v }
func (WideningOutput) FromBoolean(v bool) interface{}            { return v }
func (WideningOutput) FromString(v string) interface{}           { return v }
func (WideningOutput) FromDecimal(v decimal.Decimal) interface{} { return v }

// NativeOutput hands typed values to the backend unchanged.
type NativeOutput struct{}

func (NativeOutput) FromByte(v int8) interface{}               { return v }
func (NativeOutput) FromShort(v int16) interface{}             { return v }
func (NativeOutput) FromInt(v int32) interface{}               { return v }
func (NativeOutput) FromLong(v int64) interface{}              { return v }
func (NativeOutput) FromFloat(v float32) interface{}           { return v }
func (NativeOutput) FromDouble(v float64) interface{}          { return v }
func (NativeOutput) FromBoolean(v bool) interface{}            { return v }
func (NativeOutput) FromString(v string) interface{}           { return v }
func (NativeOutput) FromDecimal(v decimal.Decimal) interface{} { return v }
