package space

import (
	"bytes"
	"iter"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Config assigns exactly one value to every parameter of a Space. It is
// immutable; accessors return copies.
type Config struct {
	layout *layout
	values []Value
}

func (c Config) Len() int { return len(c.values) }

func (c Config) Get(name string) (Value, bool) {
	if c.layout == nil {
		return Value{}, false
	}
	i, ok := c.layout.index[name]
	if !ok {
		return Value{}, false
	}
	return c.values[i], true
}

// Int returns the integer value of name.
func (c Config) Int(name string) (int64, bool) {
	v, ok := c.Get(name)
	if !ok {
		return 0, false
	}
	return v.Int()
}

func (c Config) Names() []string {
	if c.layout == nil {
		return nil
	}
	return append([]string(nil), c.layout.names...)
}

func (c Config) Values() []Value {
	return append([]Value(nil), c.values...)
}

// All iterates name/value pairs in parameter order.
func (c Config) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for i, v := range c.values {
			if !yield(c.layout.names[i], v) {
				return
			}
		}
	}
}

// Env is the variable set restriction expressions are evaluated against.
func (c Config) Env() map[string]any {
	env := make(map[string]any, len(c.values))
	for name, v := range c.All() {
		env[name] = v.Any()
	}
	return env
}

// Key is a stable string that uniquely identifies the configuration within
// its space.
func (c Config) Key() string {
	var b strings.Builder
	for i, v := range c.values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.layout.names[i])
		b.WriteByte('=')
		if v.IsString() {
			b.WriteString(strconv.Quote(v.String()))
		} else {
			b.WriteString(v.String())
		}
	}
	return b.String()
}

func (c Config) String() string { return "{" + c.Key() + "}" }

func (c Config) Equal(o Config) bool {
	if len(c.values) != len(o.values) {
		return false
	}
	for i := range c.values {
		if c.layout.names[i] != o.layout.names[i] || !c.values[i].Equal(o.values[i]) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the configuration as an object whose keys keep the
// parameter order.
func (c Config) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range c.values {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.layout.names[i])
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(v.Any())
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
