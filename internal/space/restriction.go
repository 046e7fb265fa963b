package space

import (
	"fmt"
	"iter"
	"maps"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/samcharles93/kerneltune/internal/logger"
)

// Restriction reports whether a configuration is valid. Restrictions must be
// pure functions of the configuration.
type Restriction func(Config) bool

// Filter keeps the configurations every restriction accepts. Predicates are
// evaluated per candidate as the sequence is consumed.
func Filter(seq iter.Seq[Config], rs ...Restriction) iter.Seq[Config] {
	if len(rs) == 0 {
		return seq
	}
	return func(yield func(Config) bool) {
		for c := range seq {
			if !accepts(c, rs) {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

func accepts(c Config, rs []Restriction) bool {
	for _, r := range rs {
		if !r(c) {
			return false
		}
	}
	return true
}

// Valid yields the filtered product of s.
func (s *Space) Valid(rs ...Restriction) iter.Seq[Config] {
	return Filter(s.Expand(), rs...)
}

// Compile turns restriction expressions such as "block_size_x > 128" into
// Restrictions. Expressions are type checked against the first candidate of
// every parameter and against one candidate of every other value kind a
// parameter holds, so unknown names and mistyped operations are reported
// here rather than during the run.
func (s *Space) Compile(exprs ...string) ([]Restriction, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	envs := s.samples()
	log := s.log
	if log == nil {
		log = logger.Default()
	}
	out := make([]Restriction, 0, len(exprs))
	for _, src := range exprs {
		var program *vm.Program
		for _, env := range envs {
			p, err := expr.Compile(src, expr.Env(env), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("%w: restriction %q: %v", ErrConfiguration, src, err)
			}
			if program == nil {
				program = p
			}
		}
		out = append(out, programRestriction(src, program, log))
	}
	return out, nil
}

// samples returns the environments restrictions are type checked against:
// the first candidate of every parameter, then that environment with one
// parameter swapped for its first candidate of each further value kind.
func (s *Space) samples() []map[string]any {
	base := make(map[string]any, len(s.params))
	for _, p := range s.params {
		base[p.Name] = p.Values[0].Any()
	}
	envs := []map[string]any{base}
	for _, p := range s.params {
		seen := map[kind]bool{p.Values[0].kind: true}
		for _, v := range p.Values[1:] {
			if seen[v.kind] {
				continue
			}
			seen[v.kind] = true
			env := maps.Clone(base)
			env[p.Name] = v.Any()
			envs = append(envs, env)
		}
	}
	return envs
}

// programRestriction rejects configurations the program fails on. The first
// failure is logged as a warning, later ones at debug level.
func programRestriction(src string, program *vm.Program, log logger.Logger) Restriction {
	var warned atomic.Bool
	return func(c Config) bool {
		out, err := expr.Run(program, c.Env())
		if err != nil {
			if warned.CompareAndSwap(false, true) {
				log.Warn("restriction failed, configuration rejected", "restriction", src, "config", c.String(), "error", err)
			} else {
				log.Debug("restriction failed, configuration rejected", "restriction", src, "config", c.String(), "error", err)
			}
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
}
