package simulated

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/coupler/model"
)

// randomSource abstracts the random number generator behind generated signals.
type randomSource interface {
	Float64() (float64, error)
	Int63() (int64, error)
}

// pseudoSource wraps math/rand; a seed makes runs reproducible.
type pseudoSource struct {
	rng *mathrand.Rand
}

func newPseudoSource(seed *int64) *pseudoSource {
	s := time.Now().UnixNano()
	if seed != nil {
		s = *seed
	}
	return &pseudoSource{rng: mathrand.New(mathrand.NewSource(s))}
}

func (s *pseudoSource) Float64() (float64, error) {
	return s.rng.Float64(), nil
}

func (s *pseudoSource) Int63() (int64, error) {
	return s.rng.Int63(), nil
}

type secureSource struct{}

func (secureSource) Float64() (float64, error) {
	v, err := secureSource{}.Int63()
	if err != nil {
		return 0, err
	}
	return float64(v) / float64(math.MaxInt64), nil
}

func (secureSource) Int63() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	// Mask the sign bit to keep the value positive.
	return int64(binary.BigEndian.Uint64(buf[:]) & math.MaxInt64), nil
}

func newRandomSource(source string, seed *int64) (randomSource, error) {
	switch strings.TrimSpace(strings.ToLower(source)) {
	case "", "pseudo", "math":
		return newPseudoSource(seed), nil
	case "secure", "crypto":
		return secureSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

func randomFloatInRange(src randomSource, min, max float64) (float64, error) {
	if min == max {
		return min, nil
	}
	sample, err := src.Float64()
	if err != nil {
		return 0, err
	}
	return min + (max-min)*sample, nil
}

func randomIntInRange(src randomSource, min, max int64) (int64, error) {
	if min == max {
		return min, nil
	}
	span := max - min + 1
	if span <= 0 {
		return 0, fmt.Errorf("integer range overflow for [%d, %d]", min, max)
	}
	limit := (math.MaxInt64 / span) * span
	for {
		value, err := src.Int63()
		if err != nil {
			return 0, err
		}
		if value < limit {
			return min + value%span, nil
		}
	}
}

func randomBool(src randomSource, probability float64) (bool, error) {
	if probability <= 0 {
		return false, nil
	}
	if probability >= 1 {
		return true, nil
	}
	sample, err := src.Float64()
	if err != nil {
		return false, err
	}
	return sample < probability, nil
}

func randomString(src randomSource, length int, alphabet []rune) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		idx, err := randomIntInRange(src, 0, int64(len(alphabet)-1))
		if err != nil {
			return "", err
		}
		b.WriteRune(alphabet[idx])
	}
	return b.String(), nil
}

type signal struct {
	name     string
	settings resolvedSignal
}

func (s signal) generate(src randomSource) (interface{}, error) {
	r := s.settings
	switch r.kind {
	case KindFloat:
		return randomFloatInRange(src, r.floatMin, r.floatMax)
	case KindInt:
		return randomIntInRange(src, r.intMin, r.intMax)
	case KindBool:
		return randomBool(src, r.boolProbability)
	case KindString:
		return randomString(src, r.stringLength, r.alphabet)
	case KindDecimal:
		f, err := randomFloatInRange(src, r.floatMin, r.floatMax)
		if err != nil {
			return nil, err
		}
		return decimal.NewFromFloat(f).Round(r.places), nil
	default:
		return nil, fmt.Errorf("signal %s: unsupported kind %q", s.name, r.kind)
	}
}

// generator produces one record per call from the configured signals.
type generator struct {
	src     randomSource
	signals []signal
}

func newGenerator(settings Settings) (*generator, error) {
	src, err := newRandomSource(settings.Source, settings.Seed)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(settings.Signals))
	for name := range settings.Signals {
		names = append(names, name)
	}
	sort.Strings(names)
	g := &generator{src: src, signals: make([]signal, 0, len(names))}
	for _, name := range names {
		resolved, err := settings.resolve(name)
		if err != nil {
			return nil, err
		}
		g.signals = append(g.signals, signal{name: name, settings: resolved})
	}
	return g, nil
}

func (g *generator) empty() bool {
	return len(g.signals) == 0
}

func (g *generator) generate() (model.Record, error) {
	rec := make(model.Record, len(g.signals))
	for _, s := range g.signals {
		v, err := s.generate(g.src)
		if err != nil {
			return nil, err
		}
		rec[s.name] = v
	}
	return rec, nil
}
