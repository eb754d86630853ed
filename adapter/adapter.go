// Package adapter translates between backend records and domain values.
//
// A ProtocolAdapter reads one domain value out of a model.Access when data is
// acquired ("to") and writes one domain value into it when the application
// writes ("from"). The connector picks the adapter for each direction through
// a Selector.
package adapter

import (
	"errors"

	"github.com/timzifer/coupler/model"
)

// TypeID identifies a domain type in callback dispatch.
type TypeID string

var (
	// ErrNoTranslator is returned when an adapter lacks the translator for a direction.
	ErrNoTranslator = errors.New("adapter has no translator for this direction")
	// ErrNoAdapter is returned by selectors without candidates.
	ErrNoAdapter = errors.New("no protocol adapter available")
	// ErrNoRoute is returned when a discriminator does not match any adapter.
	ErrNoRoute = errors.New("no protocol adapter matches discriminator")
)

// ProtocolAdapter couples the translators for one domain type pair.
//
// O is the raw value a backend acquires, I the acknowledgement a flush
// consumes, CO the domain value delivered to callbacks and CI the domain value
// applications write.
type ProtocolAdapter[O, I, CO, CI any] interface {
	AdaptOutput(raw O, access model.Access) (CO, error)
	AdaptInput(value CI, access model.Access) (I, error)
	// InitializeModelAccess runs once after the access exists, e.g. to register monitors.
	InitializeModelAccess(access model.Access) error
	OutputType() TypeID
	InputType() TypeID
}

// OutputTranslator reads one domain value through the access.
type OutputTranslator[O, CO any] interface {
	To(raw O, access model.Access) (CO, error)
}

// InputTranslator writes one domain value through the access.
type InputTranslator[CI, I any] interface {
	From(value CI, access model.Access) (I, error)
}

// OutputFunc adapts a function to OutputTranslator.
type OutputFunc[O, CO any] func(raw O, access model.Access) (CO, error)

func (f OutputFunc[O, CO]) To(raw O, access model.Access) (CO, error) {
	return f(raw, access)
}

// InputFunc adapts a function to InputTranslator.
type InputFunc[CI, I any] func(value CI, access model.Access) (I, error)

func (f InputFunc[CI, I]) From(value CI, access model.Access) (I, error) {
	return f(value, access)
}

// Translating is a ProtocolAdapter assembled from a translator pair and an init hook.
type Translating[O, I, CO, CI any] struct {
	outputType TypeID
	inputType  TypeID
	output     OutputTranslator[O, CO]
	input      InputTranslator[CI, I]
	init       func(model.Access) error
}

// NewTranslating builds an adapter. Either translator may be nil for one way adapters.
func NewTranslating[O, I, CO, CI any](outputType TypeID, output OutputTranslator[O, CO], inputType TypeID, input InputTranslator[CI, I], init func(model.Access) error) *Translating[O, I, CO, CI] {
	return &Translating[O, I, CO, CI]{
		outputType: outputType,
		inputType:  inputType,
		output:     output,
		input:      input,
		init:       init,
	}
}

func (t *Translating[O, I, CO, CI]) AdaptOutput(raw O, access model.Access) (CO, error) {
	if t.output == nil {
		var zero CO
		return zero, ErrNoTranslator
	}
	return t.output.To(raw, access)
}

func (t *Translating[O, I, CO, CI]) AdaptInput(value CI, access model.Access) (I, error) {
	if t.input == nil {
		var zero I
		return zero, ErrNoTranslator
	}
	return t.input.From(value, access)
}

func (t *Translating[O, I, CO, CI]) InitializeModelAccess(access model.Access) error {
	if t.init == nil {
		return nil
	}
	return t.init(access)
}

func (t *Translating[O, I, CO, CI]) OutputType() TypeID {
	return t.outputType
}

func (t *Translating[O, I, CO, CI]) InputType() TypeID {
	return t.inputType
}
