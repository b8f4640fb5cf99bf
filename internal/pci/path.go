package pci

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// BusPath is the ordered list of bridge device numbers from the root bus to
// a function, followed by the function's own device number.
type BusPath []int

// Equal reports whether both paths name the same position.
func (p BusPath) Equal(o BusPath) bool {
	return slices.Equal(p, o)
}

// String formats the path as hex hops, e.g. "0x1e 0x0e".
func (p BusPath) String() string {
	parts := make([]string, len(p))
	for i, hop := range p {
		parts[i] = fmt.Sprintf("0x%02x", hop)
	}
	return strings.Join(parts, " ")
}

// PathSpec is a parsed device path. Exactly one of Hops and Direct is set.
type PathSpec struct {
	Hops   BusPath
	Direct *Location
}

func (s PathSpec) String() string {
	if s.Direct != nil {
		return s.Direct.String()
	}
	return s.Hops.String()
}

// ParsePath accepts either a list of hex hops ("0x1e 0x0e") or a direct
// location ("PCI0:3.0.0").
func ParsePath(s string) (PathSpec, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "PCI") {
		var loc Location
		n, err := fmt.Sscanf(s, "PCI%d:%d.%d.%d", &loc.Domain, &loc.Bus, &loc.Device, &loc.Function)
		if n < 4 {
			return PathSpec{}, fmt.Errorf("%w %q: %v", ErrBadPath, s, err)
		}
		return PathSpec{Direct: &loc}, nil
	}

	var hops BusPath
	for i := 0; i < len(s); i++ {
		if s[i] != 'x' {
			continue
		}
		j := i + 1
		for j < len(s) && j < i+3 && isHex(s[j]) {
			j++
		}
		if j == i+1 {
			return PathSpec{}, fmt.Errorf("%w %q: no hex digits at offset %d", ErrBadPath, s, i)
		}
		v, err := strconv.ParseUint(s[i+1:j], 16, 8)
		if err != nil {
			return PathSpec{}, fmt.Errorf("%w %q: %v", ErrBadPath, s, err)
		}
		hops = append(hops, int(v))
	}
	if len(hops) == 0 {
		return PathSpec{}, fmt.Errorf("%w %q: empty", ErrBadPath, s)
	}
	return PathSpec{Hops: hops}, nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// Lookup returns the index of want in paths.
func Lookup(paths []BusPath, want BusPath) (int, error) {
	for i, p := range paths {
		if p.Equal(want) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w %s", ErrUnknownPath, want)
}
