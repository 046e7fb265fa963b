// Package space enumerates the configurations of a kernel's tunable
// parameters.
package space

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/kerneltune/internal/logger"
)

// ErrConfiguration reports a malformed parameter space. It is fatal to a
// tuning run and is raised before any device work happens.
var ErrConfiguration = errors.New("configuration error")

// Parameter is one named tunable dimension.
type Parameter struct {
	Name   string
	Values []Value
}

type layout struct {
	names []string
	index map[string]int
}

func (l *layout) clone() *layout {
	c := &layout{
		names: slices.Clone(l.names),
		index: make(map[string]int, len(l.index)+1),
	}
	maps.Copy(c.index, l.index)
	return c
}

// Space is an ordered set of parameters. Insertion order defines the order
// of the cartesian product.
type Space struct {
	params []Parameter
	layout *layout
	log    logger.Logger
}

// SetLogger sets where restrictions compiled afterwards report evaluation
// failures. The default is logger.Default.
func (s *Space) SetLogger(l logger.Logger) { s.log = l }

// New builds a space from params in the given order.
func New(params ...Parameter) (*Space, error) {
	s := &Space{layout: &layout{index: make(map[string]int)}}
	for _, p := range params {
		if err := s.Add(p.Name, p.Values...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustNew is New for statically known spaces.
func MustNew(params ...Parameter) *Space {
	s, err := New(params...)
	if err != nil {
		panic(err)
	}
	return s
}

// Add appends a parameter. Names must be unique and every parameter needs at
// least one candidate.
func (s *Space) Add(name string, values ...Value) error {
	if s.layout == nil {
		s.layout = &layout{index: make(map[string]int)}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: parameter name is empty", ErrConfiguration)
	}
	if _, ok := s.layout.index[name]; ok {
		return fmt.Errorf("%w: duplicate parameter %q", ErrConfiguration, name)
	}
	if len(values) == 0 {
		return fmt.Errorf("%w: parameter %q has no candidate values", ErrConfiguration, name)
	}
	vals := append([]Value(nil), values...)
	// Configurations already expanded keep pointing at the old layout.
	l := s.layout.clone()
	l.index[name] = len(s.params)
	l.names = append(l.names, name)
	s.layout = l
	s.params = append(s.params, Parameter{Name: name, Values: vals})
	return nil
}

// Validate checks the invariants New and Add enforce; it exists for spaces
// assembled by hand or zero values.
func (s *Space) Validate() error {
	if s == nil || len(s.params) == 0 {
		return fmt.Errorf("%w: no tunable parameters", ErrConfiguration)
	}
	for _, p := range s.params {
		if len(p.Values) == 0 {
			return fmt.Errorf("%w: parameter %q has no candidate values", ErrConfiguration, p.Name)
		}
	}
	return nil
}

func (s *Space) Names() []string {
	if s.layout == nil {
		return nil
	}
	return append([]string(nil), s.layout.names...)
}

func (s *Space) Len() int { return len(s.params) }

func (s *Space) Has(name string) bool {
	if s.layout == nil {
		return false
	}
	_, ok := s.layout.index[name]
	return ok
}

// Parameter returns the parameter with the given name.
func (s *Space) Parameter(name string) (Parameter, bool) {
	if s.layout == nil {
		return Parameter{}, false
	}
	i, ok := s.layout.index[name]
	if !ok {
		return Parameter{}, false
	}
	p := s.params[i]
	p.Values = append([]Value(nil), p.Values...)
	return p, true
}

// Size is the number of configurations in the unfiltered product.
func (s *Space) Size() int {
	if len(s.params) == 0 {
		return 0
	}
	n := 1
	for _, p := range s.params {
		n *= len(p.Values)
	}
	return n
}

// Expand yields the cartesian product lazily. The last parameter varies
// fastest, matching the nesting of loops written in insertion order.
func (s *Space) Expand() iter.Seq[Config] {
	return func(yield func(Config) bool) {
		params, l := s.params, s.layout
		if len(params) == 0 {
			return
		}
		for _, p := range params {
			if len(p.Values) == 0 {
				return
			}
		}
		idx := make([]int, len(params))
		for {
			vals := make([]Value, len(params))
			for i, p := range params {
				vals[i] = p.Values[idx[i]]
			}
			if !yield(Config{layout: l, values: vals}) {
				return
			}
			d := len(idx) - 1
			for d >= 0 {
				idx[d]++
				if idx[d] < len(params[d].Values) {
					break
				}
				idx[d] = 0
				d--
			}
			if d < 0 {
				return
			}
		}
	}
}

// Config builds a configuration of this space from explicit values, used to
// run a single known-good variant.
func (s *Space) Config(values map[string]Value) (Config, error) {
	vals := make([]Value, len(s.params))
	for i, p := range s.params {
		v, ok := values[p.Name]
		if !ok {
			return Config{}, fmt.Errorf("%w: missing value for parameter %q", ErrConfiguration, p.Name)
		}
		vals[i] = v
	}
	for name := range values {
		if !s.Has(name) {
			return Config{}, fmt.Errorf("%w: unknown parameter %q", ErrConfiguration, name)
		}
	}
	return Config{layout: s.layout, values: vals}, nil
}
