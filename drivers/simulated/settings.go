package simulated

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/timzifer/coupler/config"
)

// Signal kinds.
const (
	KindFloat   = "float"
	KindInt     = "int"
	KindBool    = "bool"
	KindString  = "string"
	KindDecimal = "decimal"
)

const (
	defaultFloatMin              = 0.0
	defaultFloatMax              = 1.0
	defaultIntMin          int64 = 0
	defaultIntMax          int64 = 100
	defaultBoolProbability       = 0.5
	defaultStringLength          = 12
	defaultPlaces          int32 = 2
	defaultAlphabet              = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// DefaultInterval is the event period when events are enabled.
	DefaultInterval = time.Second
	// DefaultHistory bounds the change history kept for replay.
	DefaultHistory = 10000
)

// Settings is the driver_settings block of a simulated connector.
type Settings struct {
	Source string `yaml:"source,omitempty"`
	Seed   *int64 `yaml:"seed,omitempty"`
	// Events makes the device push generated values instead of being polled.
	Events   bool            `yaml:"events,omitempty"`
	Interval config.Duration `yaml:"interval,omitempty"`
	History  int             `yaml:"history,omitempty"`
	// Values seeds the device model before the first acquisition.
	Values   map[string]interface{}    `yaml:"values,omitempty"`
	Defaults SignalSettings            `yaml:"defaults,omitempty"`
	Signals  map[string]SignalSettings `yaml:"signals,omitempty"`
}

// SignalSettings customises value generation for one field.
type SignalSettings struct {
	Kind            string   `yaml:"kind,omitempty"`
	Min             *float64 `yaml:"min,omitempty"`
	Max             *float64 `yaml:"max,omitempty"`
	IntMin          *int64   `yaml:"int_min,omitempty"`
	IntMax          *int64   `yaml:"int_max,omitempty"`
	TrueProbability *float64 `yaml:"true_probability,omitempty"`
	StringLength    *int     `yaml:"string_length,omitempty"`
	Alphabet        string   `yaml:"alphabet,omitempty"`
	Places          *int32   `yaml:"places,omitempty"`
}

type resolvedSignal struct {
	kind            string
	floatMin        float64
	floatMax        float64
	intMin          int64
	intMax          int64
	boolProbability float64
	stringLength    int
	alphabet        []rune
	places          int32
}

func (s Settings) interval() time.Duration {
	if s.Interval.Duration > 0 {
		return s.Interval.Duration
	}
	return DefaultInterval
}

func (s Settings) history() int {
	if s.History > 0 {
		return s.History
	}
	return DefaultHistory
}

func (s Settings) resolve(name string) (resolvedSignal, error) {
	resolved := resolvedSignal{
		kind:            KindFloat,
		floatMin:        defaultFloatMin,
		floatMax:        defaultFloatMax,
		intMin:          defaultIntMin,
		intMax:          defaultIntMax,
		boolProbability: defaultBoolProbability,
		stringLength:    defaultStringLength,
		alphabet:        []rune(defaultAlphabet),
		places:          defaultPlaces,
	}
	if err := resolved.apply(s.Defaults, "defaults"); err != nil {
		return resolvedSignal{}, err
	}
	if override, ok := s.Signals[name]; ok {
		if err := resolved.apply(override, name); err != nil {
			return resolvedSignal{}, err
		}
	}
	switch {
	case resolved.floatMax < resolved.floatMin:
		return resolvedSignal{}, fmt.Errorf("signal %s: max must be >= min", name)
	case resolved.intMax < resolved.intMin:
		return resolvedSignal{}, fmt.Errorf("signal %s: int_max must be >= int_min", name)
	case resolved.boolProbability < 0 || resolved.boolProbability > 1:
		return resolvedSignal{}, fmt.Errorf("signal %s: true_probability must be between 0 and 1", name)
	case math.IsNaN(resolved.floatMin) || math.IsNaN(resolved.floatMax):
		return resolvedSignal{}, fmt.Errorf("signal %s: min/max must not be NaN", name)
	}
	return resolved, nil
}

func (r *resolvedSignal) apply(spec SignalSettings, context string) error {
	if spec.Kind != "" {
		switch kind := strings.ToLower(spec.Kind); kind {
		case KindFloat, KindInt, KindBool, KindString, KindDecimal:
			r.kind = kind
		default:
			return fmt.Errorf("%s: unknown kind %q", context, spec.Kind)
		}
	}
	if spec.Min != nil {
		r.floatMin = *spec.Min
	}
	if spec.Max != nil {
		r.floatMax = *spec.Max
	}
	if spec.IntMin != nil {
		r.intMin = *spec.IntMin
	} else if spec.Min != nil {
		r.intMin = int64(math.Round(*spec.Min))
	}
	if spec.IntMax != nil {
		r.intMax = *spec.IntMax
	} else if spec.Max != nil {
		r.intMax = int64(math.Round(*spec.Max))
	}
	if spec.TrueProbability != nil {
		r.boolProbability = *spec.TrueProbability
	}
	if spec.StringLength != nil {
		if *spec.StringLength <= 0 {
			return fmt.Errorf("%s: string_length must be positive", context)
		}
		r.stringLength = *spec.StringLength
	}
	if strings.TrimSpace(spec.Alphabet) != "" {
		r.alphabet = []rune(spec.Alphabet)
	}
	if spec.Places != nil {
		if *spec.Places < 0 {
			return fmt.Errorf("%s: places must not be negative", context)
		}
		r.places = *spec.Places
	}
	return nil
}
