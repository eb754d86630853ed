package connector

import (
	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/telemetry"
	"github.com/timzifer/coupler/trigger"
)

// ErrorHandler receives acquisition failures that have no caller to return to.
type ErrorHandler func(message string, err error)

type settings struct {
	id        string
	logger    zerolog.Logger
	telemetry telemetry.Collector
	onError   ErrorHandler
	registry  *Registry
	complete  trigger.CompletePredicate
	sleep     trigger.SleepFunc
}

// Option customises a connector.
type Option func(*settings)

// WithID names the connector instance. Defaults to the descriptor name.
func WithID(id string) Option {
	return func(s *settings) { s.id = id }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) {
		if collector != nil {
			s.telemetry = collector
		}
	}
}

// WithErrorHandler replaces the default handler, which logs the failure.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(s *settings) { s.onError = fn }
}

// WithRegistry registers the connector while it is connected.
func WithRegistry(r *Registry) Option {
	return func(s *settings) { s.registry = r }
}

// WithRecordComplete sets the predicate that ends a replayed record.
func WithRecordComplete(fn trigger.CompletePredicate) Option {
	return func(s *settings) { s.complete = fn }
}

// WithReplaySleep replaces the pause function used while pacing replays.
func WithReplaySleep(fn trigger.SleepFunc) Option {
	return func(s *settings) { s.sleep = fn }
}
