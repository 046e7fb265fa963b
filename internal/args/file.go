package args

import (
	"fmt"
	"os"
)

// Load reads a raw little-endian array of kind from path. n limits the number
// of elements; 0 means the whole file.
func Load(path, name string, kind Kind, n int) (Arg, error) {
	if kind.ElemSize() == 0 {
		return Arg{}, fmt.Errorf("load %s: unknown element type", path)
	}
	data, release, err := mapFile(path)
	if err != nil {
		return Arg{}, fmt.Errorf("load %s: %w", path, err)
	}
	defer release()

	elems := len(data) / kind.ElemSize()
	if len(data)%kind.ElemSize() != 0 {
		return Arg{}, fmt.Errorf("load %s: size %d is not a multiple of %s", path, len(data), kind)
	}
	if n > 0 {
		if n > elems {
			return Arg{}, fmt.Errorf("load %s: want %d %s elements, file holds %d", path, n, kind, elems)
		}
		elems = n
	}
	a := New(name, kind, elems)
	copy(a.Bytes(), data)
	return a, nil
}

// Save writes the raw bytes of a to path.
func Save(path string, a Arg) error {
	return os.WriteFile(path, a.Bytes(), 0o644)
}
