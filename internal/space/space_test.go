package space

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/kerneltune/internal/logger"
)

func collect(s *Space, rs ...Restriction) []Config {
	return slices.Collect(s.Valid(rs...))
}

func TestExpandProductSizeAndOrder(t *testing.T) {
	t.Parallel()

	s := MustNew(
		Parameter{Name: "block_size_x", Values: Ints(32, 64, 128)},
		Parameter{Name: "unroll", Values: Ints(1, 2)},
		Parameter{Name: "variant", Values: []Value{String("a"), String("b")}},
	)
	got := collect(s)
	if len(got) != 12 || s.Size() != 12 {
		t.Fatalf("expand len=%d size=%d, want 12", len(got), s.Size())
	}

	seen := make(map[string]bool)
	for _, c := range got {
		if c.Len() != 3 {
			t.Fatalf("config %s is not a total assignment", c)
		}
		if seen[c.Key()] {
			t.Fatalf("duplicate config %s", c)
		}
		seen[c.Key()] = true
	}

	if got[0].Key() != `block_size_x=32,unroll=1,variant="a"` {
		t.Fatalf("first config %s", got[0].Key())
	}
	if got[1].Key() != `block_size_x=32,unroll=1,variant="b"` {
		t.Fatalf("second config %s", got[1].Key())
	}
	if got[11].Key() != `block_size_x=128,unroll=2,variant="b"` {
		t.Fatalf("last config %s", got[11].Key())
	}
}

func TestExpandIsDeterministic(t *testing.T) {
	t.Parallel()

	s := MustNew(
		Parameter{Name: "a", Values: Ints(3, 1, 2)},
		Parameter{Name: "b", Values: Ints(9, 8)},
	)
	first := collect(s)
	second := collect(s)
	if len(first) != len(second) {
		t.Fatalf("lengths differ")
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("config %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestExpandStopsEarly(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "a", Values: Ints(1, 2, 3, 4)})
	n := 0
	for range s.Expand() {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("consumed %d", n)
	}
}

func TestSpaceRejectsMalformedParameters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		params []Parameter
	}{
		{"no candidates", []Parameter{{Name: "block_size_x"}}},
		{"duplicate", []Parameter{{Name: "a", Values: Ints(1)}, {Name: "a", Values: Ints(2)}}},
		{"empty name", []Parameter{{Name: " ", Values: Ints(1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.params...); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("New() error = %v, want ErrConfiguration", err)
			}
		})
	}

	var empty Space
	if err := empty.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Validate() on empty space = %v", err)
	}
}

func TestFilterIdentityAndFalse(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "block_size_x", Values: Ints(128, 256, 512)})
	all := collect(s)
	unfiltered := slices.Collect(Filter(s.Expand()))
	if len(unfiltered) != len(all) {
		t.Fatalf("identity filter changed length %d vs %d", len(unfiltered), len(all))
	}
	for i := range all {
		if !all[i].Equal(unfiltered[i]) {
			t.Fatalf("identity filter changed config %d", i)
		}
	}

	none := collect(s, func(Config) bool { return false })
	if len(none) != 0 {
		t.Fatalf("false restriction kept %d configs", len(none))
	}
}

func TestCompiledRestrictions(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "block_size_x", Values: Ints(128, 256, 512)})
	rs, err := s.Compile("block_size_x > 128", "block_size_x < 512")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	got := collect(s, rs...)
	if len(got) != 1 {
		t.Fatalf("got %d configs, want 1", len(got))
	}
	if v, _ := got[0].Int("block_size_x"); v != 256 {
		t.Fatalf("kept block_size_x=%d, want 256", v)
	}
}

func TestCompiledRestrictionsAcrossParameters(t *testing.T) {
	t.Parallel()

	s := MustNew(
		Parameter{Name: "block_size_x", Values: Ints(16, 32)},
		Parameter{Name: "block_size_y", Values: Ints(16, 32)},
		Parameter{Name: "tile", Values: []Value{Float(0.5), Float(1)}},
	)
	rs, err := s.Compile("block_size_x * block_size_y <= 512", "tile * block_size_x >= 16")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	for _, c := range collect(s, rs...) {
		x, _ := c.Int("block_size_x")
		y, _ := c.Int("block_size_y")
		if x*y > 512 {
			t.Fatalf("restriction not applied to %s", c)
		}
	}
	if n := len(collect(s, rs...)); n != 4 {
		t.Fatalf("got %d configs, want 4", n)
	}
}

func TestCompileRejectsUnknownNames(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "block_size_x", Values: Ints(128)})
	if _, err := s.Compile("block_size_y > 1"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Compile() error = %v, want ErrConfiguration", err)
	}
}

func TestConfigFromValues(t *testing.T) {
	t.Parallel()

	s := MustNew(
		Parameter{Name: "a", Values: Ints(1, 2)},
		Parameter{Name: "b", Values: Ints(3)},
	)
	c, err := s.Config(map[string]Value{"a": Int(2), "b": Int(3)})
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if c.Key() != "a=2,b=3" {
		t.Fatalf("Key() = %s", c.Key())
	}
	if _, err := s.Config(map[string]Value{"a": Int(2)}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("missing value error = %v", err)
	}
	if _, err := s.Config(map[string]Value{"a": Int(2), "b": Int(3), "c": Int(4)}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown parameter error = %v", err)
	}
}

func TestConfigMarshalJSONKeepsOrder(t *testing.T) {
	t.Parallel()

	s := MustNew(
		Parameter{Name: "z", Values: Ints(1)},
		Parameter{Name: "a", Values: []Value{Float(0.25)}},
		Parameter{Name: "m", Values: []Value{String("fast")}},
	)
	c := collect(s)[0]
	b, err := c.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if string(b) != `{"z":1,"a":0.25,"m":"fast"}` {
		t.Fatalf("MarshalJSON() = %s", b)
	}
}

func TestParseValue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want string
	}{
		{128, "128"},
		{int64(-4), "-4"},
		{0.5, "0.5"},
		{1e6, "1000000.0"},
		{1.0, "1.0"},
		{"fast", "fast"},
		{true, "1"},
	}
	for _, tc := range cases {
		v, err := ParseValue(tc.in)
		if err != nil {
			t.Fatalf("ParseValue(%v) error = %v", tc.in, err)
		}
		if v.String() != tc.want {
			t.Errorf("ParseValue(%v) = %s, want %s", tc.in, v, tc.want)
		}
	}
	if _, err := ParseValue([]int{1}); err == nil {
		t.Fatal("expected error for slice value")
	}
}

func TestAddLeavesExpandedConfigsIntact(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "block_size_x", Values: Ints(64, 128)})
	before := collect(s)
	if err := s.Add("unroll", Ints(1, 2)...); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	c := before[0]
	if _, ok := c.Get("unroll"); ok {
		t.Fatal("config expanded before Add sees the new parameter")
	}
	if c.Key() != "block_size_x=64" || !slices.Equal(c.Names(), []string{"block_size_x"}) {
		t.Fatalf("config changed to %s", c)
	}
	if n := len(collect(s)); n != 4 {
		t.Fatalf("got %d configs after Add, want 4", n)
	}
}

func TestKeyDistinguishesValueKinds(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "v", Values: []Value{Int(1), Float(1), String("1"), String(`1",v="2`)}})
	seen := make(map[string]bool)
	for _, c := range collect(s) {
		if seen[c.Key()] {
			t.Fatalf("key %s repeated", c.Key())
		}
		seen[c.Key()] = true
	}
	if !seen["v=1"] || !seen["v=1.0"] || !seen[`v="1"`] {
		t.Fatalf("keys = %v", seen)
	}
}

func TestCompileChecksEveryValueKind(t *testing.T) {
	t.Parallel()

	s := MustNew(Parameter{Name: "x", Values: []Value{Int(4), Float(2.5)}})
	_, err := s.Compile("x % 2 == 0")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Compile() error = %v, want ErrConfiguration", err)
	}
	if _, err := s.Compile("x > 2"); err != nil {
		t.Fatalf("Compile(x > 2) error = %v", err)
	}
}

func TestRestrictionFailureIsLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := MustNew(
		Parameter{Name: "x", Values: Ints(4)},
		Parameter{Name: "y", Values: Ints(0, 2, 0)},
	)
	s.SetLogger(logger.Text(&buf, slog.LevelInfo))
	rs, err := s.Compile("x % y == 0")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	got := collect(s, rs...)
	if len(got) != 1 || got[0].Key() != "x=4,y=2" {
		t.Fatalf("valid configs = %v", got)
	}
	out := buf.String()
	if strings.Count(out, "restriction failed") != 1 {
		t.Fatalf("want one warning, got:\n%s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "x % y == 0") {
		t.Fatalf("warning lacks level or restriction:\n%s", out)
	}
}
