package model

import "time"

// FieldTime names the pseudo field holding a record's index timestamp.
const FieldTime = "*T*"

// TimeBase converts between absolute epoch milliseconds and the relative
// float clock used by float index accessors.
type TimeBase struct {
	base int64
}

// NewTimeBase returns a base at ms epoch milliseconds. A zero value pins the
// base to now.
func NewTimeBase(ms int64, now func() time.Time) TimeBase {
	if ms == 0 {
		if now == nil {
			now = time.Now
		}
		ms = now().UnixMilli()
	}
	return TimeBase{base: ms}
}

// NoTimeBase keeps index values absolute.
func NoTimeBase() TimeBase {
	return TimeBase{}
}

func (t TimeBase) Base() int64 {
	return t.base
}

// ToTimestamp maps a relative clock value to epoch milliseconds.
func (t TimeBase) ToTimestamp(v float32) int64 {
	r := int64(v)
	if t.base > 0 {
		r += t.base
	}
	return r
}

// FromTimestamp maps epoch milliseconds to the relative clock.
func (t TimeBase) FromTimestamp(ms int64) float32 {
	if t.base > 0 {
		ms -= t.base
	}
	return float32(ms)
}
