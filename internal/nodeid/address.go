package nodeid

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
)

// New builds an address from plain segment names.
func New(names ...string) *Address {
	addr := &Address{Path: make([]PathSegment, 0, len(names))}
	for _, n := range names {
		addr.Path = append(addr.Path, NewPathSegment(n))
	}
	return addr
}

// String serializes the Address into its canonical path string representation.
func (a *Address) String() string {
	if a == nil {
		return ""
	}

	var sb strings.Builder
	for i, segment := range a.Path {
		if i > 0 {
			sb.WriteRune('.')
		}
		sb.WriteString(segment.segmentString())
	}

	return sb.String()
}

func (ps PathSegment) segmentString() string {
	if ps.Index == -1 {
		return ps.Name
	}
	return fmt.Sprintf("%s[%d]", ps.Name, ps.Index)
}

// Equal checks for deep equality between two Address pointers.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return reflect.DeepEqual(a.Path, other.Path)
}

// Child returns a new address with one more plain segment appended.
func (a *Address) Child(name string) *Address {
	return a.Join(New(name))
}

// Join returns a new address made of a followed by the segments of other.
// A nil receiver behaves like the empty address.
func (a *Address) Join(other *Address) *Address {
	out := &Address{}
	if a != nil {
		out.Path = append(out.Path, a.Path...)
	}
	if other != nil {
		out.Path = append(out.Path, other.Path...)
	}
	return out
}

// HasPrefix reports whether every segment of prefix leads a.
func (a *Address) HasPrefix(prefix *Address) bool {
	if prefix == nil || len(prefix.Path) == 0 {
		return true
	}
	if a == nil || len(a.Path) < len(prefix.Path) {
		return false
	}
	return reflect.DeepEqual(a.Path[:len(prefix.Path)], prefix.Path)
}

// Leaf returns the last segment's rendered form.
func (a *Address) Leaf() string {
	if a == nil || len(a.Path) == 0 {
		return ""
	}
	return a.Path[len(a.Path)-1].segmentString()
}

// Dir maps the address onto a directory below root, one level per segment.
// Indexed segments render as `name_<index>` to stay shell friendly.
func (a *Address) Dir(root string) string {
	parts := []string{root}
	if a != nil {
		for _, s := range a.Path {
			if s.HasIndex() {
				parts = append(parts, fmt.Sprintf("%s_%d", s.Name, s.Index))
				continue
			}
			parts = append(parts, s.Name)
		}
	}
	return filepath.Join(parts...)
}
