package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
)

// MinPace is the shortest pause between two replayed records.
const MinPace = time.Millisecond

// Row is one (time, field, value) triple of a query result.
type Row struct {
	Time  time.Time
	Field string
	Value interface{}
}

// Rows iterates a query result in ascending time order.
type Rows interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

type sliceRows struct {
	rows []Row
	pos  int
}

// SliceRows wraps materialised rows.
func SliceRows(rows []Row) Rows {
	return &sliceRows{rows: rows, pos: -1}
}

func (s *sliceRows) Next() bool {
	if s.pos+1 >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceRows) Row() Row     { return s.rows[s.pos] }
func (s *sliceRows) Err() error   { return nil }
func (s *sliceRows) Close() error { return nil }

// Record is one reassembled record handed to the flush function.
type Record struct {
	Time   time.Time
	Values map[string]interface{}
}

// CompletePredicate reports whether the buffered record is complete before
// field is added to it.
type CompletePredicate func(buffered map[string]interface{}, field string) bool

// FieldRepeated completes a record when a field shows up a second time.
func FieldRepeated(buffered map[string]interface{}, field string) bool {
	_, ok := buffered[field]
	return ok
}

// ExprComplete compiles a predicate expression. The environment holds
// fields (the buffered values), field (the incoming name) and count.
func ExprComplete(src string) (CompletePredicate, error) {
	program, err := expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile complete predicate: %w", err)
	}
	return exprPredicate(program), nil
}

func exprPredicate(program *vm.Program) CompletePredicate {
	return func(buffered map[string]interface{}, field string) bool {
		out, err := vm.Run(program, map[string]interface{}{
			"fields": buffered,
			"field":  field,
			"count":  len(buffered),
		})
		if err != nil {
			return false
		}
		done, _ := out.(bool)
		return done
	}
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Replay reassembles rows into records and hands them to a flush function at
// the original pace.
type Replay struct {
	Delay    time.Duration
	Complete CompletePredicate
	Sleep    SleepFunc
	// OnError receives flush failures. The replay continues after it returns.
	OnError func(err error)
	Logger  zerolog.Logger
}

// Run consumes rows until exhaustion or cancellation and returns the number of
// records flushed.
func (r Replay) Run(ctx context.Context, rows Rows, flush func(Record) error) (int, error) {
	defer rows.Close()
	complete := r.Complete
	if complete == nil {
		complete = FieldRepeated
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var (
		buffer    = make(map[string]interface{})
		bufTime   time.Time
		lastFlush time.Time
		flushed   int
	)

	emit := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if flushed > 0 {
			pace := r.Delay
			if pace <= 0 {
				pace = bufTime.Sub(lastFlush)
			}
			if pace < MinPace {
				pace = MinPace
			}
			if err := sleep(ctx, pace); err != nil {
				return err
			}
		}
		rec := Record{Time: bufTime, Values: buffer}
		buffer = make(map[string]interface{})
		lastFlush = rec.Time
		flushed++
		if err := flush(rec); err != nil {
			if r.OnError != nil {
				r.OnError(err)
			} else {
				r.Logger.Error().Err(err).Time("record", rec.Time).Msg("replay flush failed")
			}
		}
		return nil
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		row := rows.Row()
		if len(buffer) > 0 && (!row.Time.Equal(bufTime) || complete(buffer, row.Field)) {
			if err := emit(); err != nil {
				return flushed, err
			}
		}
		buffer[row.Field] = row.Value
		bufTime = row.Time
	}
	if err := rows.Err(); err != nil {
		return flushed, fmt.Errorf("iterate rows: %w", err)
	}
	if err := emit(); err != nil {
		return flushed, err
	}
	return flushed, nil
}
