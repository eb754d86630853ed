package adapter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/coupler/model"
)

// Selector picks the adapter for an acquired raw value or an outbound domain value.
type Selector[O, I, CO, CI any] interface {
	SelectOutput(raw O) (ProtocolAdapter[O, I, CO, CI], error)
	SelectInput(value CI) (ProtocolAdapter[O, I, CO, CI], error)
}

// FirstSelector always returns the first adapter.
type FirstSelector[O, I, CO, CI any] struct {
	adapters []ProtocolAdapter[O, I, CO, CI]
}

func NewFirstSelector[O, I, CO, CI any](adapters ...ProtocolAdapter[O, I, CO, CI]) *FirstSelector[O, I, CO, CI] {
	return &FirstSelector[O, I, CO, CI]{adapters: adapters}
}

func (s *FirstSelector[O, I, CO, CI]) first() (ProtocolAdapter[O, I, CO, CI], error) {
	if len(s.adapters) == 0 {
		return nil, ErrNoAdapter
	}
	return s.adapters[0], nil
}

func (s *FirstSelector[O, I, CO, CI]) SelectOutput(O) (ProtocolAdapter[O, I, CO, CI], error) {
	return s.first()
}

func (s *FirstSelector[O, I, CO, CI]) SelectInput(CI) (ProtocolAdapter[O, I, CO, CI], error) {
	return s.first()
}

// FieldSelector routes on a discriminator extracted by key functions.
type FieldSelector[O, I, CO, CI any] struct {
	OutputKey func(raw O) (string, error)
	InputKey  func(value CI) (string, error)
	Routes    map[string]ProtocolAdapter[O, I, CO, CI]
}

func (s *FieldSelector[O, I, CO, CI]) route(key string, err error) (ProtocolAdapter[O, I, CO, CI], error) {
	if err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	a, ok := s.Routes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, key)
	}
	return a, nil
}

func (s *FieldSelector[O, I, CO, CI]) SelectOutput(raw O) (ProtocolAdapter[O, I, CO, CI], error) {
	if s.OutputKey == nil {
		return nil, ErrNoAdapter
	}
	return s.route(s.OutputKey(raw))
}

func (s *FieldSelector[O, I, CO, CI]) SelectInput(value CI) (ProtocolAdapter[O, I, CO, CI], error) {
	if s.InputKey == nil {
		return nil, ErrNoAdapter
	}
	return s.route(s.InputKey(value))
}

// ExprSelector evaluates expressions against the value to obtain a route name.
// Record fields are exposed as variables, the whole value as raw.
type ExprSelector[O, I, CO, CI any] struct {
	output *vm.Program
	input  *vm.Program
	routes map[string]ProtocolAdapter[O, I, CO, CI]
}

// NewExprSelector compiles the output and, when not empty, the input expression.
func NewExprSelector[O, I, CO, CI any](outputExpr, inputExpr string, routes map[string]ProtocolAdapter[O, I, CO, CI]) (*ExprSelector[O, I, CO, CI], error) {
	s := &ExprSelector[O, I, CO, CI]{routes: routes}
	var err error
	if s.output, err = compileSelector(outputExpr); err != nil {
		return nil, fmt.Errorf("compile output selector: %w", err)
	}
	if inputExpr != "" {
		if s.input, err = compileSelector(inputExpr); err != nil {
			return nil, fmt.Errorf("compile input selector: %w", err)
		}
	}
	return s, nil
}

func compileSelector(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
}

func (s *ExprSelector[O, I, CO, CI]) eval(program *vm.Program, value interface{}) (ProtocolAdapter[O, I, CO, CI], error) {
	if program == nil {
		return nil, ErrNoAdapter
	}
	out, err := vm.Run(program, Env(value))
	if err != nil {
		return nil, fmt.Errorf("evaluate selector: %w", err)
	}
	key, ok := out.(string)
	if !ok {
		key = fmt.Sprint(out)
	}
	a, found := s.routes[key]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, key)
	}
	return a, nil
}

func (s *ExprSelector[O, I, CO, CI]) SelectOutput(raw O) (ProtocolAdapter[O, I, CO, CI], error) {
	return s.eval(s.output, raw)
}

func (s *ExprSelector[O, I, CO, CI]) SelectInput(value CI) (ProtocolAdapter[O, I, CO, CI], error) {
	return s.eval(s.input, value)
}

// Env builds the expression environment for a value.
func Env(value interface{}) map[string]interface{} {
	env := make(map[string]interface{})
	switch v := value.(type) {
	case model.Record:
		for k, field := range v {
			env[k] = field
		}
	case map[string]interface{}:
		for k, field := range v {
			env[k] = field
		}
	}
	env["raw"] = value
	return env
}
