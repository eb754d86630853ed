package connector

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/trigger"
)

// Capabilities describes what a backend offers.
type Capabilities struct {
	// Events means the backend pushes data itself, so no poll loop is installed.
	Events  bool
	Structs bool
	Calls   bool
	Model   bool
}

// Descriptor identifies a binding and its capabilities.
type Descriptor struct {
	Name             string
	Driver           string
	Capabilities     Capabilities
	SpecificSettings []string
	Queries          []trigger.Kind
}

// SupportsQuery reports whether kind is listed in Queries.
func (d Descriptor) SupportsQuery(kind trigger.Kind) bool {
	for _, k := range d.Queries {
		if k == kind {
			return true
		}
	}
	return false
}

// Binding is the backend specific half of a connector. Read and Flush are
// called with the connector's access lock held and may touch the access
// returned by NewAccess.
type Binding[O, I any] interface {
	Descriptor() Descriptor
	// Connect opens the backend. Pushed data must be delivered through sink.
	Connect(ctx context.Context, params config.Parameter, sink Sink[O]) error
	// NewAccess supplies the model access for the connection just opened.
	NewAccess(params config.Parameter) (model.Access, error)
	// Read acquires one raw value. It reports false when nothing is available.
	Read(ctx context.Context) (O, bool, error)
	// Flush sends the outbound record built by an input translator.
	Flush(ctx context.Context, ack I) error
	Disconnect(ctx context.Context) error
	Dispose()
}

// Sink receives data pushed by a binding outside of the poll loop.
type Sink[O any] interface {
	// Received runs stage under the access lock, then translates and dispatches raw.
	Received(raw O, stage func()) error
}

// Replayer is implemented by bindings that can answer trigger queries.
type Replayer[O any] interface {
	Query(ctx context.Context, q trigger.Query) (trigger.Rows, error)
	// Stage makes a replayed record the current inbound record and returns its raw form.
	Stage(rec trigger.Record) (O, error)
	// Unstage drops the staged record.
	Unstage()
}

// BindingFactory builds a binding from configuration.
type BindingFactory[O, I any] func(cfg config.ConnectorConfig, logger zerolog.Logger) (Binding[O, I], error)
