// Package trigger describes historical queries and replays their results as
// paced record acquisitions.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind names a query family a backend may support.
type Kind string

const (
	KindString     Kind = "string"
	KindTimeseries Kind = "timeseries"
)

// Query is implemented by StringQuery and TimeseriesQuery only.
type Query interface {
	Kind() Kind
	// Delay is the fixed pause between replayed records. Zero paces by record timestamps.
	Delay() time.Duration
	isQuery()
}

// StringQuery carries a backend specific query text.
type StringQuery struct {
	Query    string        `json:"query"`
	Language string        `json:"language,omitempty"`
	Interval time.Duration `json:"delay,omitempty"`
}

func (q StringQuery) Kind() Kind           { return KindString }
func (q StringQuery) Delay() time.Duration { return q.Interval }
func (StringQuery) isQuery()               {}

// TimeKind describes how a TimeSpec value is interpreted.
type TimeKind int

const (
	TimeUnspecified TimeKind = iota
	TimeAbsolute
	RelativeWeeks
	RelativeDays
	RelativeHours
	RelativeMinutes
	RelativeSeconds
	RelativeMilliseconds
	RelativeMicroseconds
)

var timeKindNames = map[TimeKind]string{
	TimeUnspecified:      "unspecified",
	TimeAbsolute:         "absolute",
	RelativeWeeks:        "weeks",
	RelativeDays:         "days",
	RelativeHours:        "hours",
	RelativeMinutes:      "minutes",
	RelativeSeconds:      "seconds",
	RelativeMilliseconds: "milliseconds",
	RelativeMicroseconds: "microseconds",
}

func (k TimeKind) String() string {
	if name, ok := timeKindNames[k]; ok {
		return name
	}
	return "TimeKind(" + strconv.Itoa(int(k)) + ")"
}

// ParseTimeKind accepts the names returned by String.
func ParseTimeKind(s string) (TimeKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range timeKindNames {
		if name == s {
			return k, nil
		}
	}
	return TimeUnspecified, fmt.Errorf("unknown time kind %q", s)
}

// Unit returns the InfluxQL duration suffix of a relative kind.
func (k TimeKind) Unit() string {
	switch k {
	case RelativeWeeks:
		return "w"
	case RelativeDays:
		return "d"
	case RelativeHours:
		return "h"
	case RelativeMinutes:
		return "m"
	case RelativeSeconds:
		return "s"
	case RelativeMilliseconds:
		return "ms"
	case RelativeMicroseconds:
		return "u"
	default:
		return ""
	}
}

func (k TimeKind) unitDuration() time.Duration {
	switch k {
	case RelativeWeeks:
		return 7 * 24 * time.Hour
	case RelativeDays:
		return 24 * time.Hour
	case RelativeHours:
		return time.Hour
	case RelativeMinutes:
		return time.Minute
	case RelativeSeconds:
		return time.Second
	case RelativeMilliseconds:
		return time.Millisecond
	case RelativeMicroseconds:
		return time.Microsecond
	default:
		return 0
	}
}

// TimeSpec is one query bound. Absolute values are epoch milliseconds,
// relative values count units back from now.
type TimeSpec struct {
	Value int64    `json:"value"`
	Kind  TimeKind `json:"kind"`
}

func Absolute(ms int64) TimeSpec {
	return TimeSpec{Value: ms, Kind: TimeAbsolute}
}

func Relative(value int64, kind TimeKind) TimeSpec {
	return TimeSpec{Value: value, Kind: kind}
}

// Specified reports whether the bound takes part in the query.
func (t TimeSpec) Specified() bool {
	return t.Kind != TimeUnspecified
}

// Resolve turns the bound into an absolute time.
func (t TimeSpec) Resolve(now time.Time) (time.Time, bool) {
	switch t.Kind {
	case TimeUnspecified:
		return time.Time{}, false
	case TimeAbsolute:
		return time.UnixMilli(t.Value), true
	default:
		return now.Add(-time.Duration(t.Value) * t.Kind.unitDuration()), true
	}
}

func (t TimeSpec) influx() string {
	if t.Kind == TimeAbsolute {
		return strconv.FormatInt(t.Value, 10)
	}
	return "now() - " + strconv.FormatInt(t.Value, 10) + t.Kind.Unit()
}

// TimeseriesQuery selects the records between two bounds.
type TimeseriesQuery struct {
	Start    TimeSpec      `json:"start"`
	End      TimeSpec      `json:"end"`
	Interval time.Duration `json:"delay,omitempty"`
}

func (q TimeseriesQuery) Kind() Kind           { return KindTimeseries }
func (q TimeseriesQuery) Delay() time.Duration { return q.Interval }
func (TimeseriesQuery) isQuery()               {}

// RenderInfluxQL renders a timeseries query for an InfluxDB style backend.
// No bundled driver speaks InfluxQL; it is the reference rendering for
// bindings built on such a backend.
func RenderInfluxQL(database, measurement string, q TimeseriesQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %q.%q", database, measurement)
	var conds []string
	if q.Start.Specified() {
		conds = append(conds, "time >= "+q.Start.influx())
	}
	if q.End.Specified() {
		conds = append(conds, "time <= "+q.End.influx())
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY time ASC")
	return b.String()
}
