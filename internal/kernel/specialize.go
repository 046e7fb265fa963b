// Package kernel turns a parametrized kernel source into configuration
// specific variants and derives their launch geometry.
package kernel

import (
	"fmt"
	"strings"

	"github.com/samcharles93/kerneltune/internal/space"
)

var gridParams = [3]string{"grid_size_x", "grid_size_y", "grid_size_z"}

// Define is one compile-time constant bound into a variant.
type Define struct {
	Name  string
	Value string
}

// Variant is a kernel specialized for one configuration.
type Variant struct {
	// Name is the renamed kernel entry point.
	Name string
	// Source is the original source with the defines prepended and the
	// kernel renamed.
	Source  string
	Defines []Define
}

// Specialize binds cfg and the grid dimensions of geom into src as #define
// constants and renames the kernel called name to a configuration derived
// name. Only whole identifier tokens equal to name are renamed; parameter
// names are never substituted textually, the preprocessor does that.
func Specialize(src, name string, cfg space.Config, geom Geometry) (Variant, error) {
	if !isIdent(name) {
		return Variant{}, fmt.Errorf("%w: kernel name %q is not an identifier", space.ErrConfiguration, name)
	}
	if !HasIdent(src, name) {
		return Variant{}, fmt.Errorf("%w: kernel %q not found in source", space.ErrConfiguration, name)
	}

	defines := make([]Define, 0, cfg.Len()+3)
	for k, v := range cfg.All() {
		defines = append(defines, Define{Name: k, Value: v.String()})
	}
	grid := geom.GridSize()
	for i := len(grid) - 1; i >= 0; i-- {
		if _, ok := cfg.Get(gridParams[i]); ok {
			continue
		}
		defines = append(defines, Define{Name: gridParams[i], Value: fmt.Sprint(grid[i])})
	}

	unique := VariantName(name, cfg)

	var b strings.Builder
	for _, d := range defines {
		fmt.Fprintf(&b, "#define %s %s\n", d.Name, d.Value)
	}
	b.WriteString(ReplaceIdent(src, name, unique))

	return Variant{Name: unique, Source: b.String(), Defines: defines}, nil
}

// VariantName appends every parameter value of cfg to name, in parameter
// order, separated by underscores. Numbers keep their digits with '.'
// written as 'p' and '-' as 'm'. Strings keep letters other than p, m and x
// and any digit but a leading one. Every other byte becomes x<hex>, so
// distinct configurations of one space always get distinct names.
func VariantName(name string, cfg space.Config) string {
	var b strings.Builder
	b.WriteString(name)
	for _, v := range cfg.All() {
		b.WriteByte('_')
		if v.IsString() {
			writeString(&b, v.String())
		} else {
			writeNumber(&b, v.String())
		}
	}
	return b.String()
}

func writeNumber(b *strings.Builder, s string) {
	for _, c := range []byte(s) {
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.':
			b.WriteByte('p')
		case c == '-':
			b.WriteByte('m')
		default:
			fmt.Fprintf(b, "x%02x", c)
		}
	}
}

func writeString(b *strings.Builder, s string) {
	for i, c := range []byte(s) {
		switch {
		case c == 'p' || c == 'm' || c == 'x' || c == '_':
			fmt.Fprintf(b, "x%02x", c)
		case c >= '0' && c <= '9' && i > 0:
			b.WriteByte(c)
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			b.WriteByte(c)
		default:
			fmt.Fprintf(b, "x%02x", c)
		}
	}
}

// ReplaceIdent replaces every occurrence of the identifier old in src with
// repl, skipping matches that are part of a longer identifier.
func ReplaceIdent(src, old, repl string) string {
	if old == "" {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	rest := src
	offset := 0
	for {
		i := strings.Index(rest, old)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		start := offset + i
		end := start + len(old)
		b.WriteString(rest[:i])
		if atBoundary(src, start, end) {
			b.WriteString(repl)
		} else {
			b.WriteString(old)
		}
		rest = rest[i+len(old):]
		offset = end
	}
}

// HasIdent reports whether src contains name as a whole identifier token.
func HasIdent(src, name string) bool {
	from := 0
	for {
		i := strings.Index(src[from:], name)
		if i < 0 {
			return false
		}
		start := from + i
		if atBoundary(src, start, start+len(name)) {
			return true
		}
		from = start + 1
	}
}

func atBoundary(src string, start, end int) bool {
	if start > 0 && isIdentByte(src[start-1]) {
		return false
	}
	if end < len(src) && isIdentByte(src[end]) {
		return false
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isIdent(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return true
}
